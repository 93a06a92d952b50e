// Package config loads the engine configuration.
//
// The configuration is a single YAML file decoded over built-in defaults,
// so a file only needs the settings it changes:
//
//	database:
//	  path: /var/lib/gluu-engine/db.sqlite
//	deploy:
//	  connect_delay: 10s
//	  exec_delay: 15s
//	  image_tag: "3.0.1"
//	  workers: 4
//	  log_dir: /var/log/gluu-engine
//	runtime:
//	  manager_endpoint: tcp://10.0.0.2:3376
//	profiles:
//	  oxauth:
//	    image: registry.example.com/gluuoxauth
//	network:
//	  enabled: true
//	recovery:
//	  targets:
//	    - sftp://backup@10.0.0.9/var/backups/gluu/
//	  private_key_path: /etc/gluu-engine/recovery_rsa
//
// Unknown keys are rejected. After decoding, LOG_LEVEL and
// GLUU_ENGINE_DATABASE override the log level and database path, then every
// field is checked with go-playground/validator.
//
// # Reloading
//
// Watch follows the file with fsnotify and hands each valid new
// configuration to a callback. The engine applies the deploy and log
// settings of a reload; everything else needs a restart.
package config
