package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	tpu_sender "github.com/fluxrpc/tpu_sender"
	"github.com/joho/godotenv"
	"github.com/mr-tron/base58"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Globals struct {
	RpcURL    string `name:"rpc" env:"RPC_URL" required:"" help:"Cluster JSON-RPC endpoint (ie http://localhost:8899)"`
	WsURL     string `name:"ws" env:"WS_URL" help:"Cluster websocket endpoint for slot updates (ie ws://localhost:8900)"`
	Config    string `name:"config" env:"TPU_SENDER_CONFIG" type:"path" help:"YAML config file"`
	Protocol  string `name:"protocol" env:"TPU_PROTOCOL" help:"Override transport: udp, quic or auto"`
	Lookahead int    `name:"lookahead" env:"TPU_LOOKAHEAD" default:"-1" help:"Override number of upcoming leaders to target"`
	LogLevel  string `name:"log-level" env:"LOG_LEVEL" default:"info" help:"zerolog level"`
	Pretty    bool   `name:"pretty" help:"Human readable console logs"`
}

var cli struct {
	Globals

	Serve serveCmd `cmd:"" help:"Accept raw transactions over HTTP and push them to the leaders."`
	Send  sendCmd  `cmd:"" help:"Submit one encoded transaction and exit."`
}

func main() {
	_ = godotenv.Load()

	kctx := kong.Parse(&cli,
		kong.Name("tpu-sender"),
		kong.Description("Direct-to-leader transaction submission"),
		kong.UsageOnError(),
	)

	if err := setupLogging(cli.LogLevel, cli.Pretty); err != nil {
		kctx.FatalIfErrorf(err)
	}
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func setupLogging(level string, pretty bool) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return nil
}

func (g *Globals) sender() (*tpu_sender.TransactionSender, error) {
	cfg, err := tpu_sender.LoadConfig(g.Config)
	if err != nil {
		return nil, err
	}
	if g.Protocol != "" {
		if cfg.Protocol, err = tpu_sender.ParseProtocol(g.Protocol); err != nil {
			return nil, err
		}
	}
	if g.Lookahead >= 0 {
		cfg.LookaheadLeaders = g.Lookahead
	}

	return tpu_sender.NewTransactionSender(tpu_sender.ClusterEndpoint{
		HTTPURL:      g.RpcURL,
		WebsocketURL: g.WsURL,
	}, cfg)
}

type serveCmd struct {
	Listen string `name:"listen" env:"LISTEN_ADDR" default:":8080" help:"HTTP listen address"`
}

type runtime struct {
	sts *tpu_sender.TransactionSender
}

func (c *serveCmd) Run(g *Globals) error {
	sts, err := g.sender()
	if err != nil {
		return err
	}
	defer sts.Close()

	rt := runtime{sts: sts}
	mux := http.NewServeMux()
	mux.HandleFunc("/", rt.sendTransaction)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: c.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	log.Info().Str("addr", c.Listen).Msg("Listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (rt *runtime) sendTransaction(w http.ResponseWriter, r *http.Request) {
	// Set CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "*")

	// Handle preflight request
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Only POST allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	txBytes, err := io.ReadAll(io.LimitReader(r.Body, tpu_sender.PacketDataSize+1))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}

	res, err := rt.sts.Send(r.Context(), txBytes)
	switch {
	case errors.Is(err, tpu_sender.ErrInvalidTransaction):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "slot=%d succeeded=%d/%d\n", res.Slot, res.Succeeded(), len(res.Attempts))
}

type sendCmd struct {
	Tx       string `arg:"" help:"Signed transaction, encoded"`
	Encoding string `name:"encoding" enum:"base58,base64" default:"base58" help:"Encoding of the transaction argument"`
}

func (c *sendCmd) Run(g *Globals) error {
	raw, err := decodeTx(c.Tx, c.Encoding)
	if err != nil {
		return err
	}

	sts, err := g.sender()
	if err != nil {
		return err
	}
	defer sts.Close()

	res, err := sts.Send(context.Background(), raw)
	if err != nil {
		return err
	}
	for _, a := range res.Attempts {
		fmt.Printf("%s\t%s\t%s\t%s\n", a.Destination.Identity, a.Destination.Addr, a.Destination.Protocol, a.Outcome)
	}
	return nil
}

func decodeTx(tx string, encoding string) ([]byte, error) {
	if encoding == "base64" {
		return base64.StdEncoding.DecodeString(tx)
	}
	return base58.Decode(tx)
}
