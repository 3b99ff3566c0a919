// Command pubnubclient is a minimal demonstration of the pub/sub
// layer: it subscribes to a channel, publishes one message, and logs
// everything it receives until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jhofstee/siwi2way/pkg/pubsub"
	"github.com/jhofstee/siwi2way/pkg/timer"
	"github.com/jhofstee/siwi2way/pkg/transport"
)

func main() {
	host := flag.String("host", "pubsub.pubnub.com", "PubNub origin host")
	port := flag.Int("port", 80, "PubNub origin port")
	channel := flag.String("channel", "chat", "channel name")
	pubKey := flag.String("pub-key", "demo", "publish key")
	subKey := flag.String("sub-key", "demo", "subscribe key")
	message := flag.String("message", "Hello", "message to publish once on startup")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sched := timer.NewScheduler()
	defer sched.Close()

	client := pubsub.New(*host, *port, *channel, *pubKey, *subKey, "", transport.TCPDialer{}, sched)
	defer client.Close()

	if err := client.SubscribeLoop(ctx, func(r *pubsub.Request, ev pubsub.Event, data []byte) {
		switch ev {
		case pubsub.NubData:
			log.Printf("message: %s", data)
		case pubsub.NubDone:
			log.Printf("subscribe round trip complete, token=%s", client.TimeToken())
		case pubsub.NubError:
			log.Printf("subscribe error, retrying")
		}
	}); err != nil {
		log.Fatalf("subscribe: %v", err)
	}

	res, err := client.PublishSync(ctx, *message)
	if err != nil {
		log.Printf("publish failed: %v", err)
	} else {
		log.Printf("published: sent=%v token=%s", res.Sent, res.Token)
	}

	<-ctx.Done()
	log.Print("shutting down")
}
