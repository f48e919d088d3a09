package main

import (
	"fmt"

	storageeng "github.com/micromdm/nanoflow/engine/storage"
	storageengdiskv "github.com/micromdm/nanoflow/engine/storage/diskv"
	storageenginmem "github.com/micromdm/nanoflow/engine/storage/inmem"
	storageengmysql "github.com/micromdm/nanoflow/engine/storage/mysql"
	storagecontact "github.com/micromdm/nanoflow/subsystem/contact/storage"
	storagecontactdiskv "github.com/micromdm/nanoflow/subsystem/contact/storage/diskv"
	storagecontactinmem "github.com/micromdm/nanoflow/subsystem/contact/storage/inmem"
	storagecontactredis "github.com/micromdm/nanoflow/subsystem/contact/storage/redis"

	_ "github.com/go-sql-driver/mysql"
)

type storageConfig struct {
	engine  storageeng.AllStorage
	contact storagecontact.Storage
}

func parseEngineStorage(name, dsn string) (storageeng.AllStorage, error) {
	switch name {
	case "inmem":
		return storageenginmem.New(), nil
	case "file", "diskv":
		if dsn == "" {
			dsn = "db"
		}
		return storageengdiskv.New(dsn), nil
	case "mysql":
		return storageengmysql.New(storageengmysql.WithDSN(dsn))
	}
	return nil, fmt.Errorf("unknown engine storage: %s", name)
}

func parseContactStorage(name, dsn string) (storagecontact.Storage, error) {
	switch name {
	case "inmem":
		return storagecontactinmem.New(), nil
	case "file", "diskv":
		if dsn == "" {
			dsn = "db"
		}
		return storagecontactdiskv.New(dsn), nil
	case "redis":
		if dsn == "" {
			dsn = "redis://localhost:6379/0"
		}
		return storagecontactredis.NewFromURL(dsn)
	}
	return nil, fmt.Errorf("unknown contact storage: %s", name)
}

func parseStorage(engName, engDSN, contactName, contactDSN string) (*storageConfig, error) {
	eng, err := parseEngineStorage(engName, engDSN)
	if err != nil {
		return nil, fmt.Errorf("engine storage: %w", err)
	}
	if contactDSN == "" && contactName == engName {
		contactDSN = engDSN
	}
	contact, err := parseContactStorage(contactName, contactDSN)
	if err != nil {
		return nil, fmt.Errorf("contact storage: %w", err)
	}
	return &storageConfig{engine: eng, contact: contact}, nil
}
