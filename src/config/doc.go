// Package config defines the configuration of a murmur peer.
//
// Whether murmur runs from the command line or is embedded in another Go
// program, it reads its options from the Config object defined in this
// package. The command line loads it with viper from a murmur.toml (or .yaml,
// .json) file in the data directory, overridden by flags. Each component has
// its own section:
//
//  relay     // websocket relay endpoints and timings
//  wamp      // wamp router, realm and topic prefix
//  loopback  // badger board shared by peers on the same host
//  selector  // how long the preferred transport is tried
//  media     // ICE servers
//  node      // presence, reconnection and quality timings
//  redis     // channel registry backend
//
// The data directory may also contain cert.pem, a certificate used to
// verify the wamp router.
package config
