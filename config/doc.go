// Package config loads zonestream configuration.
//
// Configuration is resolved in four steps:
//
//  1. Default() supplies every value (max_neighbor_distance 1, max_load_wait_time 10s, ...).
//  2. JSON file layers added with Loader.AddLayer are deep-merged in order. Only keys
//     present in a layer override earlier values. Durations may be written as
//     strings ("250ms", "10s").
//  3. Environment variables prefixed with ZONESTREAM_ override the result, e.g.
//     ZONESTREAM_STREAMER_MAX_NEIGHBOR_DISTANCE=2 or ZONESTREAM_NATS_URLS=nats://a:4222,nats://b:4222.
//     LoadDotEnv can populate the environment from a .env file first.
//  4. Validate rejects out-of-range values and unknown world backends.
//
// Example file:
//
//	{
//	  "start_zone": "harbor",
//	  "streamer": {"max_neighbor_distance": 2, "max_load_wait_time": "5s"},
//	  "world": {"backend": "manifest", "manifest_dir": "zones"}
//	}
package config
