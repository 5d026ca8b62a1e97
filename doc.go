// Package mqttrequest provides request/response messaging on top of a
// publish/subscribe transport such as an MQTT broker.
//
// A requester publishes to <topic>/@request/<id> and waits for the answer
// on <topic>/@response/<id>, where id is a correlation id generated per
// request. A responder registered for <topic> receives the request payload
// and its return value is published back on the matching response topic.
// Plain MQTT brokers need no support beyond wildcard subscriptions.
//
// # Engine
//
// Create an engine on a transport and register responders or send requests:
//
//	transport, err := mqttrequest.DialMQTT(ctx, nil,
//	    mqttv5.WithServers("tcp://localhost:1883"),
//	    mqttv5.WithClientID("service-a"),
//	)
//	engine, err := mqttrequest.New(transport, mqttrequest.WithTimeout(time.Second))
//	defer engine.Close()
//
//	engine.Response("hello/world", func(payload []byte) []byte {
//	    return append([]byte("hello "), payload...)
//	})
//
//	engine.Request("hello/world", func(payload []byte) {
//	    fmt.Println(string(payload))
//	}, []byte("aokihu"))
//
// Call wraps Request for synchronous use:
//
//	resp, err := engine.Call(ctx, "hello/world", []byte("aokihu"))
//
// A request that is not answered within the timeout is dropped and its
// callback is never invoked. Expired entries are swept periodically.
//
// # Shared Subscriptions
//
// Responders may register with an MQTT shared subscription filter to load
// balance requests between several processes:
//
//	engine.Response("$share/workers/jobs", handler)
//
// Requesters always use the bare topic ("jobs"); the share prefix only
// affects the subscription.
//
// # Transports
//
// Any implementation of Transport can carry the traffic. The package ships
// MQTTTransport for mqttv5 clients and MemoryBroker for in-process use and
// tests. The extensions/rabbitmq package maps topics onto a RabbitMQ topic
// exchange.
//
// # Logging and Metrics
//
// Engines log through mqttv5.Logger and record metrics through
// mqttv5.Metrics. ZapLogger adapts a zap logger:
//
//	logger := mqttrequest.NewZapLogger(zapLogger, mqttv5.LogLevelInfo)
//	engine, err := mqttrequest.New(transport,
//	    mqttrequest.WithLogger(logger),
//	    mqttrequest.WithMetrics(mqttv5.NewMemoryMetrics()),
//	)
package mqttrequest
