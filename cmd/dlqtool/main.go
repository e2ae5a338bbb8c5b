package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/brightpath/contentgen/internal/config"
	"github.com/brightpath/contentgen/internal/queue"
)

// dlqtool inspects the dead-letter queue. Peeked messages are returned to
// the queue on exit unless -purge removes them.
//
//	dlqtool -list            print a summary of dead-lettered requests
//	dlqtool -export          dump full payloads as JSON to stdout
//	dlqtool -purge <id>      permanently drop one request's message
func main() {
	var (
		list    = flag.Bool("list", false, "list dead-lettered messages")
		export  = flag.Bool("export", false, "dump dead-lettered messages as JSON")
		purge   = flag.String("purge", "", "permanently remove the message for this request id")
		maxMsgs = flag.Int("max", 50, "maximum messages to fetch")
	)
	flag.Parse()

	if !*list && !*export && *purge == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	insp, err := queue.NewInspector(cfg.RabbitURL, cfg.Environment)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer insp.Close()

	msgs, err := insp.Peek(*maxMsgs)
	if err != nil {
		log.Fatalf("peek: %v", err)
	}

	switch {
	case *purge != "":
		for _, m := range msgs {
			if m.Message.RequestID != *purge {
				continue
			}
			if err := insp.Ack(m); err != nil {
				log.Fatalf("purge %s: %v", *purge, err)
			}
			fmt.Printf("purged %s\n", *purge)
			return
		}
		log.Fatalf("request %s not found in first %d messages", *purge, *maxMsgs)

	case *export:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(msgs); err != nil {
			log.Fatalf("encode: %v", err)
		}

	case *list:
		if len(msgs) == 0 {
			fmt.Println("dead-letter queue is empty")
			return
		}
		fmt.Printf("%-28s %-38s %-10s %s\n", "REQUEST", "CORRELATION", "ATTEMPTS", "DEAD AT")
		for _, m := range msgs {
			id := m.Message.RequestID
			if id == "" {
				id = "(undecodable)"
			}
			fmt.Printf("%-28s %-38s %-10d %s\n", id, m.Message.CorrelationID, m.Attempts, m.DeadAt.Format("2006-01-02 15:04:05"))
		}
	}
}
