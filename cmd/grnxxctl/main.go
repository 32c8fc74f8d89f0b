// Command grnxxctl drives the pool+trie+blob stack against a JSON batch of
// key/value pairs: create a new pool (an existing pool at the same path is
// not reopened; creation fails), insert every key into a trie, store every
// value as a blob, print basic size stats, and check that every key
// round-trips through Search and SearchByID.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/grnxx-go/grnxxgo/blob"
	"github.com/grnxx-go/grnxxgo/pool"
	"github.com/grnxx-go/grnxxgo/trie"
)

type entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func unwrap[V any](value V, err error) V {
	if err != nil {
		panic(err)
	}
	return value
}

func main() {
	dataPath := flag.String("data", "data.json", "path to a JSON array of {key,value} entries")
	poolPath := flag.String("pool", "grnxx.pool", "pool file path prefix")
	flag.Parse()

	data := unwrap(os.ReadFile(*dataPath))

	var entries []entry
	unwrap(0, json.Unmarshal(data, &entries))

	p := unwrap(pool.Create(*poolPath, pool.DefaultOptions()))
	defer p.Close()

	tr := unwrap(trie.New(p))
	store := unwrap(blob.New(p, blob.Options{}))

	for _, e := range entries {
		keyID, err := tr.Insert([]byte(e.Key))
		if err != nil {
			fmt.Printf("insert %q: %v\n", e.Key, err)
			continue
		}
		if _, err := store.Add([]byte(e.Value)); err != nil {
			fmt.Printf("store value for %q: %v\n", e.Key, err)
			continue
		}
		_ = keyID
	}

	stats := tr.Stats()
	fmt.Printf("keys: %d\n", stats.NumKeys)
	fmt.Printf("trie nodes: %d\n", stats.NumNodes)
	fmt.Printf("key bytes stored: %d\n", stats.NumKeyBytes)

	for _, e := range entries {
		id, found, err := tr.Search([]byte(e.Key))
		if err != nil {
			fmt.Printf("search %q: %v\n", e.Key, err)
			continue
		}
		if !found {
			fmt.Printf("lookup failed for key: %s\n", e.Key)
			continue
		}
		got, err := tr.SearchByID(id)
		if err != nil || string(got) != e.Key {
			fmt.Printf("round-trip mismatch for key: %s\n", e.Key)
		}
	}
}
