// Package memstream implements transport.Dialer entirely in memory. It is the
// reference implementation of the transport contract and the test double used
// by the receiver's own tests.
//
// Each successful Dial yields a *Conn whose Send, Heartbeat, Grow and Hangup
// methods play the remote end. FailNext and Hold let tests script connect
// failures and slow dials:
//
//	net := memstream.New()
//	net.FailNext(transport.ErrRequestTimeout)
//	rcv, err := dualstream.Connect(ctx, net, &transport.Request{Target: "feed"}, nil)
//	conn, _ := net.Conn(ctx, 0)
//	conn.Send([]byte(`{"n":1}`))
package memstream
