/*
Package config loads and validates the orchestrator configuration.

Configuration is layered: compiled-in defaults, then an optional YAML file,
then environment variables. The environment is authoritative because the
orchestrator typically runs as a container itself and is tuned through its
deployment environment.

Duration knobs follow the _S suffix convention (plain numbers are seconds;
Go duration strings also work). Byte-size knobs accept human-readable units
("64KiB", "1MB"). Port ranges are written "start-end".

# Usage

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}

Validate runs automatically inside Load and rejects setups that cannot work:
redundant VPN mode without two distinct container names, inverted port
ranges, MIN_FREE_REPLICAS above MAX_REPLICAS.
*/
package config
