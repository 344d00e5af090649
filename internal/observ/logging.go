package observ

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

var logMu sync.Mutex

// Log emits one JSON line to stdout. Reactor handlers and the watcher log
// concurrently, so lines are serialized here. The caller's map is not
// mutated.
func Log(event string, kv map[string]any) {
	line := make(map[string]any, len(kv)+2)
	for k, v := range kv {
		line[k] = v
	}
	line["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	line["event"] = event
	b, _ := json.Marshal(line)
	b = append(b, '\n')

	logMu.Lock()
	os.Stdout.Write(b)
	logMu.Unlock()
}
