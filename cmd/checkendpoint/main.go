package main

import (
	"context"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Nalseez/kfctl/pkg/endpointcheck"
	"github.com/Nalseez/kfctl/pkg/gcptoken"
)

type cliOpts struct {
	URL         string `long:"url" value-name:"URL" description:"Endpoint to check, e.g. https://kubeflow.endpoints.my-project.cloud.goog"`
	Mode        string `long:"mode" value-name:"MODE" choice:"iap" choice:"basic-auth" default:"iap" description:"Authentication flow protecting the endpoint"`
	ClientIDEnv string `long:"client-id-env" value-name:"NAME" default:"CLIENT_ID" description:"Environment variable holding the OAuth client ID of the IAP resource"`
	Username    string `long:"username" value-name:"USER" env:"KUBEFLOW_USERNAME" description:"Username for the basic auth login flow"`
	Password    string `long:"password" value-name:"PASS" env:"KUBEFLOW_PASSWORD" description:"Password for the basic auth login flow"`
	Wait        string `long:"wait" value-name:"DURATION" default:"15m" description:"How long to wait for the endpoint to become ready (e.g. 90s, 15m)"`
	Manifest    string `long:"manifest" value-name:"PATH" description:"YAML manifest of endpoints to check instead of --url"`
	Verbose     bool   `long:"verbose" short:"v" description:"Enable debug logging"`
}

func parseCliOptions() *cliOpts {
	opts := &cliOpts{}
	_, err := flags.ParseArgs(opts, os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	return opts
}

// runCheck resolves one manifest entry and blocks until its endpoint is
// ready or the wait runs out.
func runCheck(ctx context.Context, checker *endpointcheck.Checker, c check, fallbackWait time.Duration) (bool, error) {
	wait := fallbackWait
	if c.Wait != "" {
		var err error
		wait, err = time.ParseDuration(c.Wait)
		if err != nil {
			return false, errors.Wrapf(err, "parsing wait %q for %s", c.Wait, c.Name)
		}
	}
	log.Infof("Checking %s (%s, mode %s, wait %s)", c.Name, c.URL, c.Mode, wait)
	switch c.Mode {
	case modeIAP:
		tokens, err := gcptoken.TokenSource(ctx, c.ClientIDEnv)
		if err != nil {
			return false, err
		}
		return checker.IAPReady(ctx, c.URL, tokens, wait)
	case modeBasicAuth:
		username := os.Getenv(c.UsernameEnv)
		password := os.Getenv(c.PasswordEnv)
		if username == "" || password == "" {
			return false, errors.Errorf("environment variables %s and %s must hold the credentials for %s", c.UsernameEnv, c.PasswordEnv, c.Name)
		}
		return checker.BasicAuthReady(ctx, c.URL, username, password, wait)
	}
	return false, errors.Errorf("check %s has unknown mode %q", c.Name, c.Mode)
}

func main() {
	opts := parseCliOptions()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if opts.Verbose {
		log.SetLevel(log.DebugLevel)
	}

	wait, err := time.ParseDuration(opts.Wait)
	if err != nil {
		log.Fatalf("Could not parse --wait value %q: %v", opts.Wait, err)
	}

	ctx := context.Background()
	checker := endpointcheck.New()

	if opts.Manifest != "" {
		checks, err := loadManifest(opts.Manifest)
		if err != nil {
			log.Fatalf("Could not load manifest: %v", err)
		}
		failed := 0
		for _, c := range checks {
			ready, err := runCheck(ctx, checker, c, wait)
			if err != nil {
				log.Errorf("Check %s failed: %v", c.Name, err)
				failed++
				continue
			}
			if !ready {
				log.Errorf("Endpoint %s did not become ready", c.URL)
				failed++
				continue
			}
			log.Infof("Endpoint %s is ready", c.URL)
		}
		if failed > 0 {
			log.Errorf("%d of %d checks failed", failed, len(checks))
			os.Exit(1)
		}
		return
	}

	if opts.URL == "" {
		log.Fatalf("Either --url or --manifest must be given")
	}

	var ready bool
	switch opts.Mode {
	case modeIAP:
		tokens, err := gcptoken.TokenSource(ctx, opts.ClientIDEnv)
		if err != nil {
			log.Fatalf("Could not prepare identity tokens: %v", err)
		}
		ready, err = checker.IAPReady(ctx, opts.URL, tokens, wait)
		if err != nil {
			log.Fatalf("Checking %s failed: %v", opts.URL, err)
		}
	case modeBasicAuth:
		if opts.Username == "" || opts.Password == "" {
			log.Fatalf("--mode=basic-auth needs --username and --password (or KUBEFLOW_USERNAME and KUBEFLOW_PASSWORD)")
		}
		ready, err = checker.BasicAuthReady(ctx, opts.URL, opts.Username, opts.Password, wait)
		if err != nil {
			log.Fatalf("Checking %s failed: %v", opts.URL, err)
		}
	}

	if !ready {
		log.Errorf("Endpoint %s did not become ready within %s", opts.URL, wait)
		os.Exit(1)
	}
	log.Infof("Endpoint %s is ready", opts.URL)
}
