package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/emberdb/emberdb/pkg/common"
	"github.com/emberdb/emberdb/pkg/storage"
	"github.com/emberdb/emberdb/pkg/txn"
	log "github.com/sirupsen/logrus"
)

var (
	configFilePath     = "/etc/emberdb.yaml"
	configFilePathFlag = flag.String("configFilePath", "", "overrides the default config file path")
	logLevelFlag       = flag.String("loglevel", "", "overrides the log level from the config")
)

func main() {
	flag.Parse()

	log.Info("emberdbmain::main::main; starting")
	conf := common.NewDefaultConfig()
	if *configFilePathFlag != "" {
		configFilePath = *configFilePathFlag
	}
	conf.LoadFromFile(configFilePath)
	if *logLevelFlag != "" {
		conf.LogLevel = *logLevelFlag
	}
	if err := conf.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	if level, err := log.ParseLevel(conf.LogLevel); err == nil {
		log.SetLevel(level)
	}

	store, err := storage.NewStorage(&storage.Options{CacheSize: conf.CacheSize})
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer store.Close()

	tdb := txn.Open(store, &txn.TransactionDBOptions{
		TransactionLockTimeout: conf.LockTimeoutMs,
		NumStripes:             conf.LockStripes,
	})

	var current *txn.Transaction

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("db> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "begin":
			if current != nil {
				fmt.Println("a transaction is already open; commit or rollback first")
				continue
			}
			current = tdb.BeginTransaction(nil, &txn.TransactionOptions{
				SetSnapshot: true,
				Expiration:  conf.TxnExpirationSecs,
				LockTimeout: -1,
			})
			fmt.Printf("begun txn %d\n", current.ID())

		case "put":
			if len(fields) != 3 {
				fmt.Println("usage: put <key> <value>")
				continue
			}
			if current == nil {
				if err := store.Set(nil, []byte(fields[1]), []byte(fields[2]), nil); err != nil {
					fmt.Printf("error: %v\n", err)
				}
				continue
			}
			if err := current.Put(nil, []byte(fields[1]), []byte(fields[2])); err != nil {
				fmt.Printf("error: %v\n", err)
			}

		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <key>")
				continue
			}
			var val []byte
			if current != nil {
				val, err = current.Get(nil, []byte(fields[1]), nil)
			} else {
				val, err = store.Get(nil, []byte(fields[1]), nil)
			}
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Println(string(val))

		case "delete":
			if len(fields) != 2 {
				fmt.Println("usage: delete <key>")
				continue
			}
			if current == nil {
				if err := store.Delete(nil, []byte(fields[1]), nil); err != nil {
					fmt.Printf("error: %v\n", err)
				}
				continue
			}
			if err := current.Delete(nil, []byte(fields[1])); err != nil {
				fmt.Printf("error: %v\n", err)
			}

		case "savepoint":
			if current == nil {
				fmt.Println("no open transaction")
				continue
			}
			current.SetSavePoint()

		case "rollback-to-savepoint":
			if current == nil {
				fmt.Println("no open transaction")
				continue
			}
			if err := current.RollbackToSavePoint(); err != nil {
				fmt.Printf("error: %v\n", err)
			}

		case "commit":
			if current == nil {
				fmt.Println("no open transaction")
				continue
			}
			if err := current.Commit(); err != nil {
				fmt.Printf("error: %v\n", err)
			} else {
				fmt.Println("committed")
			}
			current.Discard()
			current = nil

		case "rollback":
			if current == nil {
				fmt.Println("no open transaction")
				continue
			}
			if err := current.Rollback(); err != nil {
				fmt.Printf("error: %v\n", err)
			}
			current.Discard()
			current = nil

		case "exit", "quit":
			if current != nil {
				current.Discard()
			}
			return

		default:
			fmt.Println("commands: begin, put, get, delete, savepoint, rollback-to-savepoint, commit, rollback, exit")
		}
	}
}
