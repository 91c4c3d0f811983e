// Package config loads the sigsync.yaml file used by the sigsync command.
//
// The file may be YAML or JSON. Durations are strings ("30s"); "0" or
// "off" disables a session timer.
//
// # Configuration File Structure
//
//	server:
//	  address: ":8080"
//	  path: /ws
//	  wireFormat: binary
//	  maxSessions: 1000
//	  shutdownTimeout: 30s
//	session:
//	  queueCapacity: 256
//	  heartbeatInterval: 30s
//	  livenessTimeout: 90s
//	log:
//	  level: info
//	  format: json
//	signals:
//	  - name: count
//	    kind: server
//	    initial: 0
//	  - name: doc
//	    kind: bidirectional
//	    initial: {title: ""}
//	  - name: chat
//	    kind: channel
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//	sc, _ := cfg.ServerConfig()
package config
