package sidecar

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log.WithField("test", true)
}

func TestDeliver_WritesRawCommandToTarget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		received <- buf[:n]
	}()

	addr := ln.Addr().(*net.TCPAddr)
	b := New(nil, testLogger())

	err = b.deliver(context.Background(), payload{
		TargetHost: "127.0.0.1",
		TargetPort: addr.Port,
		RawCommand: "DYD#",
	})
	require.NoError(t, err)

	select {
	case data := <-received:
		assert.Equal(t, "DYD#", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("target never received raw command")
	}
}

func TestDeliver_UnreachableTargetFails(t *testing.T) {
	b := New(nil, testLogger())
	err := b.deliver(context.Background(), payload{
		TargetHost: "127.0.0.1",
		TargetPort: 1, // almost certainly nothing listening
		RawCommand: "DYD#",
	})
	assert.Error(t, err)
}
