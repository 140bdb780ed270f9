package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/yyup/voicebridge/pkg/configutil"
	"github.com/yyup/voicebridge/pkg/transports"
	twiliotransport "github.com/yyup/voicebridge/pkg/transports/twilio"
)

// Places an outbound test call through the configured Twilio account so
// the voice webhook can be exercised without waiting for an inbound call.

type callConfig struct {
	Transports struct {
		Provider string         `mapstructure:"provider"`
		Settings map[string]any `mapstructure:"settings"`
	} `mapstructure:"transports"`
}

func main() {
	configPath := flag.String("config", "examples/support/config.local.yaml", "")
	from := flag.String("from", "", "")
	to := flag.String("to", "", "")
	voiceURL := flag.String("voice_url", "", "")
	sendDigits := flag.String("send_digits", "", "")
	flag.Parse()
	if *from == "" || *to == "" {
		fmt.Println("usage: make_call -from=+123 -to=+456 [-config=...]")
		os.Exit(1)
	}

	cfg, err := loadCallConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	var settings twiliotransport.Config
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}

	url := *voiceURL
	if url == "" {
		if strings.TrimSpace(settings.PublicURL) == "" {
			fmt.Println("public_url is empty")
			os.Exit(1)
		}
	}

	dialer := twiliotransport.NewDialer(settings)
	var callID string
	if *sendDigits != "" {
		callID, err = dialer.DialWithOptions(context.Background(), *to, *from, url, transports.DialOptions{SendDigits: *sendDigits})
	} else {
		callID, err = dialer.Dial(context.Background(), *to, *from, url)
	}
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_id:", callID)
}

func loadCallConfig(path string) (callConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return callConfig{}, err
	}
	var cfg callConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return callConfig{}, err
	}
	return cfg, nil
}
