// Package config defines configuration structures for the chunky CLI.
//
// Configuration can be provided via, in increasing order of precedence:
//   - Defaults ([Default])
//   - YAML configuration file ([LoadFromFile])
//   - Environment variables (CHUNKY_ prefix, [Config.LoadFromEnv])
//   - Command-line flags ([Config.Merge])
//
// Sizes accept human-readable values such as "2MiB" or "8MB"; durations use
// time.ParseDuration syntax.
//
// # Example
//
//	store: "s3://{bucket}?region=eu-west-1"
//	chunk_size: 8MiB
//	retry:
//	  max_retries: 5
//	  backoff: 1s
//	log:
//	  level: info
//	  mode: json
package config
