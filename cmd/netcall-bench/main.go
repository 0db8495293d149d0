// Command netcall-bench measures call latency and throughput against a
// running netcalld.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/baojie/netcall"
)

func main() {
	addrs := flag.String("connect", "127.0.0.1:10555", "comma-separated server addresses")
	serializerName := flag.String("serializer", "gob", "payload encoding: gob, json or msgpack")
	count := flag.Int("n", 10000, "number of calls")
	workers := flag.Int("c", 8, "concurrent callers")

	flag.Parse()

	serializer, ok := netcall.SerializerByName(*serializerName)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown serializer %q\n", *serializerName)
		os.Exit(1)
	}

	transport, err := netcall.DialTCP(strings.Split(*addrs, ",")...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	client := netcall.NewClient(transport)
	client.Serializer = serializer
	client.Timeout = time.Second * 10
	defer client.Close()

	var calls, failures int64
	start := time.Now()
	wg := sync.WaitGroup{}
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			payload := fmt.Sprintf("worker-%d", w)
			for atomic.AddInt64(&calls, 1) <= int64(*count) {
				if _, err := client.Call("echo", payload); err != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	n := int64(*count)
	fmt.Printf("%d calls in %v (%.0f calls/sec), %d failed\n",
		n, elapsed, float64(n)/elapsed.Seconds(), atomic.LoadInt64(&failures))
}
