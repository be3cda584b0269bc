// Package runtime wires storage, config, stores, the release scheduler, and
// the merge worker into a single-node gate instance. It exposes Open/Close,
// basic health checks, background loop lifecycle, and accessors used by the
// CLI and server layers.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
//	_ = rt.StartLoops()
//	defer rt.StopLoops()
package runtime
