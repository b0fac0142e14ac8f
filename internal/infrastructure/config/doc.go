// Package config loads the flasher configuration.
//
// Values come from a YAML file, then DCCFLASHER_* environment variables,
// then Validate. Secrets (MQTT password, S3 keys, JWT secret) belong in
// the environment rather than the file. The remote device credentials
// are fixed by the device firmware and only need overriding for
// modified builds.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
package config
