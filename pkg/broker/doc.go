// Package broker defines the publish/subscribe transport used to link the
// relay controller and the backend.
//
// A Transport keeps one persistent connection to a broker, dispatches inbound
// messages on subscribed topics to registered handlers and exposes
// publish-and-confirm. Implementations live in the mqtt and nats subpackages.
package broker
