package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/sharding-experiment/crossshard/config"
	"github.com/sharding-experiment/crossshard/internal/orchestrator"
)

// genstate creates the LevelDB base state the leveldb backend opens: every
// workload account funded, committed under storage_dir, plus address.txt
// listing the accounts.
func main() {
	accounts := flag.Int("accounts", 0, "Number of funded accounts (0 = workload default)")
	flag.Parse()

	cfg, err := config.LoadDefault()
	if err != nil {
		log.Printf("No usable config.json (%v), using defaults", err)
		cfg = config.Default()
	}

	wl := orchestrator.DefaultWorkload()
	if *accounts > 0 {
		wl.NumAccounts = *accounts
	}
	workload, err := orchestrator.NewWorkload(wl, cfg.ShardNum)
	if err != nil {
		log.Fatal(err)
	}

	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		log.Fatal(err)
	}
	if err := writeAddresses(filepath.Join(cfg.StorageDir, "address.txt"), workload); err != nil {
		log.Fatal(err)
	}

	root, err := orchestrator.CreateGenesis(cfg.StorageDir, workload.Genesis())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Commit Root: %v\n", root)
}

func writeAddresses(path string, workload *orchestrator.Workload) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	for _, addr := range workload.Accounts() {
		if _, err := fmt.Fprintln(file, addr.Hex()); err != nil {
			return err
		}
	}
	return nil
}
