package websocket_test

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/sockpair/websocket"
	"github.com/sockpair/websocket/wsjson"
)

// Example_echo runs an echo server over one end of an in memory pipe
// and then sends it three JSON messages, printing each reply.
func Example_echo() {
	clientConn, serverConn := net.Pipe()

	go func() {
		err := echoServer(serverConn)
		if err != nil {
			log.Printf("echo server: %v", err)
		}
	}()

	err := client(clientConn)
	if err != nil {
		log.Fatal(err)
	}

	// Output:
	// received "hello 0"
	// received "hello 1"
	// received "hello 2"
}

// echoServer reads frames from conn and writes them back, limited to
// ten frames a second with bursts of up to five.
func echoServer(conn net.Conn) error {
	s := websocket.NewServerSession(conn, nil)
	defer s.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	l := rate.NewLimiter(rate.Every(time.Millisecond*100), 5)
	for {
		err := echo(ctx, s, l)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// echo reads one data frame and sends it back unchanged.
func echo(ctx context.Context, s *websocket.Session, l *rate.Limiter) error {
	err := l.Wait(ctx)
	if err != nil {
		return err
	}

	f, err := s.ReceiveData(ctx)
	if err != nil {
		return err
	}

	return s.Send(ctx, f)
}

func client(conn net.Conn) error {
	s := websocket.NewClientSession(conn, nil)
	defer s.CloseNow()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for i := 0; i < 3; i++ {
		err := wsjson.Write(ctx, s, fmt.Sprintf("hello %d", i))
		if err != nil {
			return err
		}

		var reply string
		err = wsjson.Read(ctx, s, &reply)
		if err != nil {
			return err
		}

		fmt.Printf("received %q\n", reply)
	}

	return s.Close(websocket.StatusNormalClosure, "")
}
