// Command netcalld runs a demo netcall service: a TCP RPC endpoint,
// an optional WebSocket endpoint, and an optional HTTP gateway, with a
// few sample procedures registered.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/profile"
	log "github.com/sirupsen/logrus"

	"github.com/baojie/netcall"
)

// asFloat accepts the numeric types the bundled serializers produce.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func registerProcs(srv *netcall.Server) {
	srv.Register("echo", func(args []interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("echo wants 1 argument, got %d", len(args))
		}
		return args[0], nil
	})
	srv.Register("add", func(args []interface{}) (interface{}, error) {
		sum := float64(0)
		for i, arg := range args {
			n, ok := asFloat(arg)
			if !ok {
				return nil, fmt.Errorf("argument %d is not a number", i)
			}
			sum += n
		}
		return sum, nil
	})
	srv.Register("sleep", func(args []interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("sleep wants 1 argument")
		}
		secs, ok := asFloat(args[0])
		if !ok {
			return nil, fmt.Errorf("sleep wants a number of seconds")
		}
		time.Sleep(time.Duration(secs * float64(time.Second)))
		return nil, nil
	})
	srv.RegisterStream("count", func(y *netcall.Yielder, args []interface{}) (interface{}, error) {
		n := float64(10)
		if len(args) > 0 {
			if f, ok := asFloat(args[0]); ok {
				n = f
			}
		}
		for i := float64(0); i < n; i++ {
			if _, err := y.Yield(i); err != nil {
				return nil, err
			}
		}
		return n, nil
	})
}

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:10555", "TCP address to serve RPC on")
	wsAddr := flag.String("ws", "", "optional address to serve WebSocket RPC on")
	httpAddr := flag.String("http", "", "optional address to serve the HTTP gateway on")
	serializerName := flag.String("serializer", "gob", "payload encoding: gob, json or msgpack")
	logLevel := flag.String("loglevel", "info", "logrus level")
	profileMode := flag.String("profile", "", "enable profiling: cpu or mem")

	flag.Parse()

	switch *profileMode {
	case "cpu":
		defer profile.Start(profile.CPUProfile).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile).Stop()
	}

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("bad -loglevel")
	}
	log.SetLevel(level)

	serializer, ok := netcall.SerializerByName(*serializerName)
	if !ok {
		log.WithField("serializer", *serializerName).Fatal("unknown serializer")
	}

	transport, err := netcall.ListenTCP(*listenAddr)
	if err != nil {
		log.WithError(err).Fatal("listen failed")
	}
	srv := netcall.NewServer(transport)
	srv.Serializer = serializer
	registerProcs(srv)
	log.WithField("addr", transport.Addrs()).WithField("id", srv.ID).Info("netcalld serving")
	srv.Start()
	defer srv.Stop()

	if *wsAddr != "" {
		wst := netcall.NewWSTransport()
		wsrv := netcall.NewServer(wst)
		wsrv.Serializer = serializer
		registerProcs(wsrv)
		wsrv.Start()
		defer wsrv.Stop()
		mux := http.NewServeMux()
		mux.Handle("/netcall", wst)
		go func() {
			log.WithField("addr", *wsAddr).Info("websocket endpoint up")
			if err := http.ListenAndServe(*wsAddr, mux); err != nil {
				log.WithError(err).Error("websocket endpoint failed")
			}
		}()
	}

	if *httpAddr != "" {
		ct, err := netcall.DialTCP(*listenAddr)
		if err != nil {
			log.WithError(err).Fatal("gateway dial failed")
		}
		client := netcall.NewClient(ct)
		client.Serializer = serializer
		client.Timeout = time.Second * 30
		defer client.Close()
		gw := netcall.NewGateway(client)
		go func() {
			log.WithField("addr", *httpAddr).Info("http gateway up")
			if err := http.ListenAndServe(*httpAddr, gw); err != nil {
				log.WithError(err).Error("http gateway failed")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
	log.Info("netcalld shutting down")
}
