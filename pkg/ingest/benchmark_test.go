package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/japaniel/docdedup/pkg/db"
	"github.com/japaniel/docdedup/pkg/dedup"
	"github.com/japaniel/docdedup/pkg/descriptor"
	"github.com/japaniel/docdedup/pkg/hasher"
	"github.com/japaniel/docdedup/pkg/overlap"
)

func setupBenchmarkDB(b *testing.B) *sql.DB {
	conn, err := db.Open(db.MemoryPath, db.OpenOptions{})
	if err != nil {
		b.Fatalf("failed to open db: %v", err)
	}
	// Optimize SQLite for performance to focus on application throughput
	_, _ = conn.Exec("PRAGMA synchronous = OFF")
	return conn
}

// generateBenchmarkDocs returns n memos, every tenth a near copy of an earlier one.
func generateBenchmarkDocs(n int) []descriptor.Descriptor {
	docs := make([]descriptor.Descriptor, 0, n)
	for i := 0; i < n; i++ {
		ws := words(fmt.Sprintf("b%dw", i), 80)
		if i%10 == 9 {
			ws = without(words(fmt.Sprintf("b%dw", i-9), 80), 40)
		}
		docs = append(docs, desc("bench", fmt.Sprintf("doc-%d", i), "memo", ws, 0.5))
	}
	return docs
}

func benchIngester(conn *sql.DB, workers int) *Ingester {
	h := hasher.New(hasher.Options{})
	ig := NewIngester(conn, dedup.New(h, dedup.Options{}), overlap.New(h, overlap.Options{}))
	ig.Workers = workers
	ig.BatchSize = 100
	return ig
}

func BenchmarkIngest(b *testing.B) {
	docs := generateBenchmarkDocs(1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		conn := setupBenchmarkDB(b)
		ingester := benchIngester(conn, 4)
		b.StartTimer()

		_, err := ingester.Ingest(context.Background(), descriptor.Slice(docs, descriptor.Defaults{}))
		b.StopTimer()
		if err != nil {
			conn.Close()
			b.Fatalf("Ingest failed: %v", err)
		}
		conn.Close()
	}
}

func BenchmarkIngestConcurrencyScaling(b *testing.B) {
	// Hashing runs on the workers; the commit goroutine is serial, so gains flatten quickly.
	counts := []int{1, 2, 4, 8}
	docs := generateBenchmarkDocs(1000)

	for _, workers := range counts {
		b.Run(fmt.Sprintf("Workers_%d", workers), func(b *testing.B) {
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				b.StopTimer()
				conn := setupBenchmarkDB(b)
				ingester := benchIngester(conn, workers)
				b.StartTimer()

				_, err := ingester.Ingest(context.Background(), descriptor.Slice(docs, descriptor.Defaults{}))
				b.StopTimer()
				if err != nil {
					conn.Close()
					b.Fatalf("Ingest failed: %v", err)
				}
				conn.Close()
			}
		})
	}
}
