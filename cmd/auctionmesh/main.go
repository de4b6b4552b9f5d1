package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"auctionmesh/core"
	"auctionmesh/pkg/config"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{Use: "auctionmesh"}
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	lvl, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			logrus.SetOutput(f)
		}
	}
	return cfg
}

func parseHostPort(addr string) (string, uint16, error) {
	host, portStr, err := splitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("expected host:port, got %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "serve", Short: "start an auctionmesh node"}
	cmd.AddCommand(serveBootstrapCmd())
	cmd.AddCommand(servePeerCmd())
	return cmd
}

func serveBootstrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "start a bootstrap node and converge with its peer set",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			addr, _ := cmd.Flags().GetString("addr")
			peerAddrs, _ := cmd.Flags().GetStringSlice("peers")

			host, port, err := parseHostPort(addr)
			if err != nil {
				logrus.Fatalf("bootstrap: %v", err)
			}
			self := core.NewNode(host, port)

			peers := make([]core.Node, 0, len(peerAddrs))
			for _, p := range peerAddrs {
				ph, pp, err := parseHostPort(p)
				if err != nil {
					logrus.Fatalf("bootstrap: peer %q: %v", p, err)
				}
				peers = append(peers, core.NewNode(ph, pp))
			}

			b, err := core.NewBootstrap(self, peers, cfg)
			if err != nil {
				logrus.Fatalf("bootstrap: %v", err)
			}
			b.InitSync()
			logrus.Infof("bootstrap node listening on %s", self.DialAddr())

			waitForInterrupt()
			b.Stop()
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:9000", "address to listen on")
	cmd.Flags().StringSlice("peers", nil, "other bootstrap peers, host:port")
	return cmd
}

func servePeerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "start a bidding peer and join the network",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			addr, _ := cmd.Flags().GetString("addr")
			bootstrapAddr, _ := cmd.Flags().GetString("bootstrap")

			host, port, err := parseHostPort(addr)
			if err != nil {
				logrus.Fatalf("peer: %v", err)
			}
			self := core.NewNode(host, port)

			bh, bp, err := parseHostPort(bootstrapAddr)
			if err != nil {
				logrus.Fatalf("peer: bootstrap: %v", err)
			}
			bootstrap := core.NewNode(bh, bp)

			app, err := core.NewApp(self, bootstrap, cfg)
			if err != nil {
				logrus.Fatalf("peer: %v", err)
			}
			if err := app.Join(); err != nil {
				logrus.Fatalf("peer: join network: %v", err)
			}
			logrus.Infof("peer %s joined via %s", self.DialAddr(), bootstrap.DialAddr())

			runShell(app)
			app.Stop()
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:9001", "address to listen on")
	cmd.Flags().String("bootstrap", "127.0.0.1:9000", "bootstrap peer address")
	return cmd
}

// runShell is the interactive command surface once a peer has joined:
// publish/subscribe/bid/topics/session, one per line on stdin, until eof
// or "quit".
func runShell(app *core.App) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "quit", "exit":
			return

		case "publish":
			if len(fields) != 3 {
				fmt.Println("usage: publish <topic> <ttl_seconds>")
				continue
			}
			secs, err := strconv.Atoi(fields[2])
			if err != nil {
				fmt.Println("bad ttl:", err)
				continue
			}
			if _, err := app.Publish(fields[1], time.Duration(secs)*time.Second); err != nil {
				fmt.Println("publish failed:", err)
				continue
			}
			fmt.Println("published", fields[1])

		case "subscribe":
			if len(fields) != 3 {
				fmt.Println("usage: subscribe <topic> <addr>")
				continue
			}
			if err := app.Subscribe(fields[1], fields[2]); err != nil {
				fmt.Println("subscribe failed:", err)
				continue
			}
			fmt.Println("subscribed to", fields[1])

		case "bid":
			if len(fields) != 4 {
				fmt.Println("usage: bid <topic> <addr> <amount>")
				continue
			}
			cmd := "bid " + fields[3]
			if err := app.AddMsg(fields[1], fields[2], cmd); err != nil {
				fmt.Println("bid failed:", err)
				continue
			}
			fmt.Println("bid accepted on", fields[1])

		case "topics":
			for _, t := range app.GetTopics() {
				fmt.Printf("%s publisher=%s ttl=%s\n", t.Name, t.Publisher, t.TTL.Format(time.RFC3339))
			}

		case "session":
			if len(fields) != 2 {
				fmt.Println("usage: session <topic>")
				continue
			}
			j, err := app.GetJSON(fields[1])
			if err != nil {
				fmt.Println("session failed:", err)
				continue
			}
			fmt.Printf("%+v\n", j)

		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}

func waitForInterrupt() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}
