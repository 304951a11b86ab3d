// Package mqtt provides MQTT client connectivity for the Gray Logic runtime.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored after reconnect
//   - Last Will and Testament (LWT) for offline detection
//
// The home-automation source publishes retained entity state below a
// configurable prefix; see Topics for the hierarchy. The transport package
// builds the runtime's source contract on top of this client.
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.Transport.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.AllStates(), 1,
//	    func(topic string, payload []byte) error {
//	        entityID, _ := topics.ParseState(topic)
//	        log.Printf("%s = %s", entityID, payload)
//	        return nil
//	    })
package mqtt
