// Package dualstream keeps a single logical stream alive on top of two
// interchangeable physical connections.
//
// A Receiver holds two slots, alpha and beta. The primary slot feeds the
// consumer; when it fails, is closed by the server, or its response grows
// past ReconnectTrigger.ResponseBufferSizeInMB, the other slot is connected
// and takes over. Overflow and manual reconnects wait for the next data unit
// on the old connection before switching, while the new connection buffers,
// so the consumer sees at most one unit of gap or overlap.
//
// Connections come from a transport.Dialer. The transport subpackages provide
// dialers for HTTP (newline-delimited JSON), WebSocket, Redis Streams, NATS
// and JSON-lines files, and an in-memory network for tests.
//
//	cfg := dualstream.DefaultConfig()
//	rcv, err := dualstream.Connect(ctx, httpstream.New(), &transport.Request{
//		Target: "https://feed.example.com/stream",
//	}, &cfg)
//	if err != nil {
//		return err
//	}
//	defer rcv.Disconnect()
//
//	for ev := range rcv.Events() {
//		switch ev.Kind {
//		case dualstream.EventData:
//			handle(ev.Payload)
//		case dualstream.EventDisconnect:
//			return ev.Err
//		}
//	}
package dualstream
