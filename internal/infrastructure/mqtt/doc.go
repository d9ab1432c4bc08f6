// Package mqtt connects the mesh controller to the Gray Logic MQTT bus.
//
// The controller is a protocol bridge on that bus. It publishes node state
// and lifecycle events and takes commands and requests from Core and the
// device-framework layer:
//
//	Core / device framework <-> broker <-> mesh controller <-> radio gateway
//
// The paho client reconnects on its own; Client remembers every
// subscription and replays them after each reconnect. The broker is given
// a retained will on the mesh health topic, so a dropped link reads as
// "offline" with reason "unexpected_disconnect". Close publishes the same
// marker with reason "graceful_shutdown" before disconnecting.
//
// Handlers run on paho's dispatch goroutine. A handler error or panic is
// logged and the message is dropped.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands(), 1, func(topic string, payload []byte) error {
//		return handleCommand(topic, payload)
//	})
//
// Set broker.tls with credentials outside a development bench.
package mqtt
