// Package mqtt connects the daemon to an MQTT broker.
//
// The broker is the integration surface for home automation systems:
// Device States are published retained under sonoff/state/{id} and
// commands are accepted on sonoff/command/{id}. The client reconnects
// with backoff and restores its subscriptions, and a Last Will marks
// the daemon offline on sonoff/system/status if it dies uncleanly.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
