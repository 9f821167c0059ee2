// Command temp-manager keeps the tank between its temperature thresholds by
// driving the peltier and fan through gpio-authority.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lomnom/MarimoCool/internal/client"
	"github.com/lomnom/MarimoCool/internal/config"
	"github.com/lomnom/MarimoCool/internal/control"
	"github.com/lomnom/MarimoCool/internal/web"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (built-in defaults when empty)")
	envFile := flag.String("env-file", ".env", "dotenv file to load before the config (ignored if missing)")
	addr := flag.String("authority", "", "gpio-authority address, overrides controller.authority_addr")
	upper := flag.Float64("upper", 0, "peltier on threshold in °C, overrides controller.upper_threshold")
	lower := flag.Float64("lower", 0, "peltier off threshold in °C, overrides controller.lower_threshold")
	httpAddr := flag.String("http", "", `control API address, overrides controller.http_addr ("off" disables)`)
	paramsFile := flag.String("params", "", "saved params file, overrides controller.params_file")
	printStatus := flag.Bool("status", false, "Print the authority status and exit")

	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatalf("fatal: load %s: %v", *envFile, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("fatal: config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "params" {
			cfg.Controller.ParamsFile = *paramsFile
		}
	})
	if err := applySavedParams(&cfg.Controller); err != nil {
		log.Fatalf("fatal: params: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "authority":
			cfg.Controller.AuthorityAddr = *addr
		case "http":
			cfg.Controller.HTTPAddr = *httpAddr
		case "upper":
			cfg.Controller.UpperThreshold = *upper
		case "lower":
			cfg.Controller.LowerThreshold = *lower
		}
	})
	if cfg.Controller.HTTPAddr == "off" {
		cfg.Controller.HTTPAddr = ""
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("fatal: config: %v", err)
	}

	cc := cfg.Controller
	dial := dialer(cc.AuthorityAddr, cc.RequestTimeout)

	if *printStatus {
		ctx, cancel := context.WithTimeout(context.Background(), cc.RequestTimeout)
		defer cancel()
		if err := printAuthorityStatus(ctx, os.Stdout, dial); err != nil {
			log.Fatalf("fatal: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("started: authority=%s upper=%.2f lower=%.2f poll=%v fan_settle=%v",
		cc.AuthorityAddr, cc.UpperThreshold, cc.LowerThreshold, cc.PollPeriod, cc.FanSettleDuration)

	loop := control.New(loopConfig(cc), dial)

	if cc.HTTPAddr != "" {
		hs := web.NewControl(cc.HTTPAddr, loop, cc.ParamsFile)
		go func() {
			if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer hs.Shutdown(context.Background())
		log.Printf("http control server listening on %s", cc.HTTPAddr)
	}

	ticker := time.NewTicker(cc.PollPeriod)
	defer ticker.Stop()

	loop.Run(ctx, ticker.C)
	log.Printf("stopped in state %s", loop.State())
}

// dialer returns a control.Dialer that opens a client connection to addr.
func dialer(addr string, timeout time.Duration) control.Dialer {
	return func(ctx context.Context) (control.Authority, error) {
		c, err := client.Dial(ctx, addr, timeout)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func printAuthorityStatus(ctx context.Context, w io.Writer, dial control.Dialer) error {
	auth, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer auth.Close()

	st, err := auth.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// applySavedParams replaces the thresholds in cc with those saved through the
// control API, if the params file exists.
func applySavedParams(cc *config.ControllerConfig) error {
	if cc.ParamsFile == "" {
		return nil
	}
	p, ok, err := control.LoadParams(cc.ParamsFile)
	if err != nil || !ok {
		return err
	}
	log.Printf("params: loaded %s", cc.ParamsFile)
	cc.UpperThreshold, cc.LowerThreshold, cc.FanSettleDuration = p.Upper, p.Lower, p.FanSettle
	return nil
}

func loopConfig(cc config.ControllerConfig) control.Config {
	return control.Config{
		ClientID:             cc.ClientID,
		Upper:                cc.UpperThreshold,
		Lower:                cc.LowerThreshold,
		FanSettle:            cc.FanSettleDuration,
		PollPeriod:           cc.PollPeriod,
		MaxFailures:          cc.MaxFailures,
		MaxReconnectBackoff:  cc.MaxReconnectBackoff,
		MaxPassiveDuration:   cc.MaxPassiveDuration,
		MaxActuationFailures: cc.MaxActuationFailures,
	}
}
