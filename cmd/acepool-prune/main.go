// acepool-prune is an offline maintenance tool for the orchestrator's state
// database. Stat snapshots accrue for every poll of every stream, so a
// long-running pool grows acepool.db without bound; this tool deletes ended
// streams past a retention window together with their stat series, sweeps
// stat series orphaned by crashes, and optionally rewrites the file to give
// the space back to the filesystem.
//
// Run it while the orchestrator is stopped: bolt allows one writer per file.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir = flag.String("data-dir", "/var/lib/acepool", "AcePool data directory")
	keep    = flag.Duration("keep", 7*24*time.Hour, "Retention window for ended streams")
	dryRun  = flag.Bool("dry-run", false, "Show what would be pruned without making changes")
	backup  = flag.String("backup", "", "Path to backup the database before pruning (default: <data-dir>/acepool.db.backup)")
	compact = flag.Bool("compact", false, "Rewrite the database after pruning to reclaim disk space")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("acepool Database Maintenance Tool - Prune & Compact")
	log.Println("===================================================")

	dbPath := filepath.Join(*dataDir, "acepool.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Database: %s", dbPath)
	log.Printf("Retention: %s", *keep)
	log.Printf("Dry run: %v", *dryRun)

	// Create backup unless in dry-run mode
	if !*dryRun {
		backupFile := *backup
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("Creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("Failed to create backup: %v", err)
		}
		log.Println("✓ Backup created successfully")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	if err := pruneEndedStreams(db, time.Now().Add(-*keep), *dryRun); err != nil {
		db.Close()
		log.Fatalf("Prune failed: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Fatalf("Failed to close database: %v", err)
	}

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to prune the records above.")
		return
	}

	if *compact {
		if err := compactDatabase(dbPath); err != nil {
			log.Fatalf("Compaction failed: %v", err)
		}
	}

	log.Println("\n✓ Maintenance completed successfully!")
}

// streamRecord is the slice of a stored stream this tool reads. Decoding
// stays local so the tool keeps working against records written by older
// builds.
type streamRecord struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

func pruneEndedStreams(db *bolt.DB, cutoff time.Time, dryRun bool) error {
	var expired []string
	var orphans []string

	// First, inspect what exists
	err := db.View(func(tx *bolt.Tx) error {
		streams := tx.Bucket([]byte("streams"))
		if streams == nil {
			log.Println("✓ No 'streams' bucket found - nothing to prune")
			return nil
		}

		err := streams.ForEach(func(k, v []byte) error {
			var rec streamRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				log.Printf("⚠ Warning: Skipping invalid JSON for stream %s: %v", k, err)
				return nil
			}
			if rec.Status != "ended" {
				return nil
			}
			endedAt := rec.EndedAt
			if endedAt.IsZero() {
				endedAt = rec.StartedAt
			}
			if endedAt.Before(cutoff) {
				expired = append(expired, string(k))
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Stat series whose stream record is gone. A crash between the
		// stream delete and the stats delete leaves these behind.
		if stats := tx.Bucket([]byte("stats")); stats != nil {
			return stats.ForEachBucket(func(k []byte) error {
				if streams.Get(k) == nil {
					orphans = append(orphans, string(k))
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("Found %d ended streams past retention, %d orphaned stat series", len(expired), len(orphans))
	if len(expired) == 0 && len(orphans) == 0 {
		log.Println("✓ Nothing to prune")
		return nil
	}

	if dryRun {
		log.Println("\n[DRY RUN] Would perform the following operations:")
		log.Printf("1. Delete %d stream records ended before %s", len(expired), cutoff.Format(time.RFC3339))
		log.Println("2. Delete the stat series of those streams")
		log.Printf("3. Delete %d orphaned stat series", len(orphans))
		return nil
	}

	return db.Update(func(tx *bolt.Tx) error {
		streams := tx.Bucket([]byte("streams"))
		stats := tx.Bucket([]byte("stats"))

		log.Println("\nPruning ended streams...")
		pruned := 0
		for _, id := range expired {
			if err := streams.Delete([]byte(id)); err != nil {
				return fmt.Errorf("failed to delete stream %s: %w", id, err)
			}
			if stats != nil && stats.Bucket([]byte(id)) != nil {
				if err := stats.DeleteBucket([]byte(id)); err != nil {
					return fmt.Errorf("failed to delete stats for %s: %w", id, err)
				}
			}
			pruned++
			if pruned%10 == 0 {
				log.Printf("  Pruned %d/%d...", pruned, len(expired))
			}
		}
		log.Printf("✓ Pruned %d/%d ended streams", pruned, len(expired))

		if stats != nil {
			for _, id := range orphans {
				if err := stats.DeleteBucket([]byte(id)); err != nil {
					return fmt.Errorf("failed to delete orphaned stats %s: %w", id, err)
				}
			}
			if len(orphans) > 0 {
				log.Printf("✓ Removed %d orphaned stat series", len(orphans))
			}
		}
		return nil
	})
}

// compactDatabase rewrites the bolt file into a fresh one and swaps it in.
// Bolt never shrinks a file on its own; after a big prune this is where the
// disk space actually comes back.
func compactDatabase(dbPath string) error {
	before, err := os.Stat(dbPath)
	if err != nil {
		return err
	}

	src, err := bolt.Open(dbPath, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}

	tmpPath := dbPath + ".compact"
	dst, err := bolt.Open(tmpPath, 0600, nil)
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to create compacted database: %w", err)
	}

	log.Println("\nCompacting database...")
	compactErr := bolt.Compact(dst, src, 0)
	if err := dst.Close(); compactErr == nil {
		compactErr = err
	}
	if err := src.Close(); compactErr == nil {
		compactErr = err
	}
	if compactErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("compaction failed: %w", compactErr)
	}

	if err := os.Rename(tmpPath, dbPath); err != nil {
		return fmt.Errorf("failed to swap compacted database in: %w", err)
	}

	after, err := os.Stat(dbPath)
	if err != nil {
		return err
	}
	log.Printf("✓ Compacted: %.1f MiB → %.1f MiB", float64(before.Size())/(1<<20), float64(after.Size())/(1<<20))
	return nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
