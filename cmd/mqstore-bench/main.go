// Command mqstore-bench drives store/claim/remove load against an
// assembled mqstore stack and prints per-phase timing, plus a stats
// summary after the remove phase, in the shape of the teacher's
// brimstore-valuesstore load generator: a go-flags option struct,
// positional test names, and a per-phase timer printed between runs.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/gholt/mqstore/internal/config"
	"github.com/gholt/mqstore/internal/mqlog"
	"github.com/gholt/mqstore/storage"
	"github.com/gholt/mqstore/storage/assemble"
	"github.com/gholt/mqstore/storage/stats"
)

type optsStruct struct {
	Clients       int    `long:"clients" description:"The number of clients. Default: cores*cores"`
	Cores         int    `long:"cores" description:"The number of cores. Default: CPU core count"`
	ExtendedStats bool   `long:"extended-stats" description:"Extended statistics at exit."`
	Number        int    `short:"n" long:"number" description:"Number of messages per phase. Default: 1000"`
	BodyLength    int    `short:"l" long:"length" description:"Length of message bodies. Default: 128"`
	DataDir       string `long:"data-dir" description:"Storage data directory. Default: a temp directory"`
	Positional    struct {
		Tests []string `name:"tests" description:"store claim remove"`
	} `positional-args:"yes"`

	keep  bool
	store storage.Storage
	ids   []string
	st    runtime.MemStats
}

var opts optsStruct
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		args = append(args, "-h")
	}
	if _, err := parser.ParseArgs(args); err != nil {
		os.Exit(1)
	}
	for _, arg := range opts.Positional.Tests {
		switch arg {
		case "store", "claim", "remove":
		default:
			fmt.Fprintf(os.Stderr, "Unknown test named %#v.\n", arg)
			os.Exit(1)
		}
	}

	if opts.Cores > 0 {
		runtime.GOMAXPROCS(opts.Cores)
	}
	opts.Cores = runtime.GOMAXPROCS(0)
	if opts.Clients == 0 {
		opts.Clients = opts.Cores * opts.Cores
	}
	if opts.Number == 0 {
		opts.Number = 1000
	}
	if opts.BodyLength == 0 {
		opts.BodyLength = 128
	}
	if opts.DataDir == "" {
		dir, err := os.MkdirTemp("", "mqstore-bench-")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		opts.DataDir = dir
		opts.keep = false
	} else {
		opts.keep = true
	}

	fmt.Println(opts.Cores, "cores")
	fmt.Println(opts.Clients, "clients")
	fmt.Println(opts.Number, "messages per phase")
	memstat()

	ctx := context.Background()
	log := mqlog.New(mqlog.Config{Level: mqlog.Warning})
	cfg := config.Defaults()
	cfg.DataDir = opts.DataDir

	begin := time.Now()
	st, err := assemble.Default(ctx, log, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	opts.store = st
	fmt.Println(time.Since(begin), "to assemble storage stack")
	memstat()

	for i := 0; i < opts.Number; i++ {
		opts.ids = append(opts.ids, fmt.Sprintf("bench-%d", i))
	}

	for _, arg := range opts.Positional.Tests {
		switch arg {
		case "store":
			runStore(ctx)
		case "claim":
			runClaim(ctx)
		case "remove":
			runRemove(ctx)
		}
		memstat()
	}

	begin = time.Now()
	done := make(chan struct{})
	opts.store.Shutdown(ctx, func() { close(done) })
	<-done
	fmt.Println(time.Since(begin), "to shut down storage stack")
	memstat()

	if !opts.keep {
		os.RemoveAll(opts.DataDir)
	}
}

func memstat() {
	runtime.ReadMemStats(&opts.st)
	fmt.Printf("%0.2fG total alloc\n\n", float64(opts.st.TotalAlloc)/1024/1024/1024)
}

func perClient(client int) []string {
	n := len(opts.ids)
	per := n / opts.Clients
	if client == opts.Clients-1 {
		return opts.ids[per*client:]
	}
	return opts.ids[per*client : per*(client+1)]
}

func runStore(ctx context.Context) {
	body := make([]byte, opts.BodyLength)
	begin := time.Now()
	wg := &sync.WaitGroup{}
	wg.Add(opts.Clients)
	for c := 0; c < opts.Clients; c++ {
		go func(client int) {
			defer wg.Done()
			for _, id := range perClient(client) {
				var storeErr error
				done := make(chan struct{})
				opts.store.Store(ctx, storage.Message{
					ID:          id,
					Destination: "/queue/bench",
					Persistent:  true,
					Body:        body,
					Timestamp:   time.Now().UnixNano(),
					Size:        len(body),
				}, func(err error) { storeErr = err; close(done) })
				<-done
				if storeErr != nil {
					panic(storeErr)
				}
			}
		}(c)
	}
	wg.Wait()
	dur := time.Since(begin)
	fmt.Printf("%s %.0f/s to store %d messages\n", dur, float64(opts.Number)/(float64(dur)/float64(time.Second)), opts.Number)
}

func runClaim(ctx context.Context) {
	var claimed int64
	begin := time.Now()
	wg := &sync.WaitGroup{}
	wg.Add(opts.Clients)
	for c := 0; c < opts.Clients; c++ {
		go func(client int) {
			defer wg.Done()
			for range perClient(client) {
				var m *storage.Message
				done := make(chan struct{})
				opts.store.ClaimAndRetrieve(ctx, "/queue/bench", fmt.Sprintf("client-%d", client), func(msg *storage.Message, d, cl string) {
					m = msg
					close(done)
				})
				<-done
				if m != nil {
					atomic.AddInt64(&claimed, 1)
				}
			}
		}(c)
	}
	wg.Wait()
	dur := time.Since(begin)
	fmt.Printf("%s %.0f/s to claim %d messages\n", dur, float64(claimed)/(float64(dur)/float64(time.Second)), claimed)
}

func runRemove(ctx context.Context) {
	begin := time.Now()
	done := make(chan struct{})
	opts.store.Remove(ctx, opts.ids, func([]*storage.Message) { close(done) })
	<-done
	dur := time.Since(begin)
	fmt.Printf("%s %.0f/s to remove %d messages\n", dur, float64(opts.Number)/(float64(dur)/float64(time.Second)), opts.Number)

	printStats()
}

// printStats renders whatever counters the assembled stack exposes.
// assemble.Default hands back only the outermost storage.Storage, so
// this sees the Complex layer's own Stats(); the nested engines aren't
// reachable from outside the assemble package, the same boundary
// cmd/mqstore-server observes.
func printStats() {
	snap := stats.Collect(opts.store)
	if opts.ExtendedStats {
		fmt.Println(snap.String())
	} else {
		fmt.Println(len(snap), "stats providers in this stack")
	}
}
