package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"stopguard/cmd/executor"
	"stopguard/cmd/inspect"
	"stopguard/cmd/keys"
	"stopguard/src/config"
	"stopguard/src/database"
	"stopguard/src/engine"
	"stopguard/src/model"
	"stopguard/src/utils"
)

var Version string

func main() {
	if err := config.LoadDotEnv(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
	}
	dbCfg := database.GetConfig()
	utils.SetupLogger(dbCfg.LogLevel, dbCfg.LogFormat)

	app := cli.NewApp()
	app.Name = "stopguard"
	app.Usage = "Stop-level risk engine for bridge-connected trading accounts"
	app.Version = Version

	app.Commands = []cli.Command{
		monitorCMD,
		initialSLCMD,
		positionsCMD,
		generateKeyCMD,
		encryptSecretCMD,
		hashTokenCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var profileFlag = cli.StringFlag{
	Name:   "profile",
	Usage:  "YAML policy profile applied over the environment",
	EnvVar: "POLICY_FILE",
}

var (
	monitorCMD = cli.Command{
		Name:        "monitor",
		Usage:       "run the monitoring loops and the ops server",
		Action:      monitorAction,
		Flags:       []cli.Flag{profileFlag},
		Description: `Track every open position and keep its protective level up to date`,
	}
	initialSLCMD = cli.Command{
		Name:   "initial-sl",
		Usage:  "print the loss-cap price for a position about to be opened",
		Action: initialSLAction,
		Flags: []cli.Flag{
			profileFlag,
			cli.StringFlag{Name: "symbol", Value: "EURUSD"},
			cli.StringFlag{Name: "direction", Value: string(model.DirectionLong), Usage: "long or short"},
			cli.StringFlag{Name: "size", Usage: "position size in lots"},
			cli.StringFlag{Name: "entry", Usage: "entry price"},
			cli.StringFlag{Name: "max-loss", Usage: "overrides POLICY_MAX_LOSS"},
		},
	}
	positionsCMD = cli.Command{
		Name:   "positions",
		Usage:  "list open venue positions and the profit their stop loss locks",
		Action: positionsAction,
		Flags:  []cli.Flag{profileFlag},
	}
	generateKeyCMD = cli.Command{
		Name:   "generate-key",
		Usage:  "print a new BRIDGE_CREDENTIALS_KEY",
		Action: func(_ *cli.Context) error { return keys.GenerateKey(os.Stdout) },
	}
	encryptSecretCMD = cli.Command{
		Name:        "encrypt-secret",
		Usage:       "encrypt the bridge API secret read from stdin",
		Action:      encryptSecretAction,
		Description: `Requires BRIDGE_CREDENTIALS_KEY`,
	}
	hashTokenCMD = cli.Command{
		Name:   "hash-token",
		Usage:  "print an OPS_OPERATOR_TOKENS entry",
		Action: hashTokenAction,
		Flags: []cli.Flag{
			cli.StringFlag{Name: "name", Usage: "operator name"},
			cli.StringFlag{Name: "token", Usage: "bearer token; read from stdin when empty"},
		},
	}
)

func monitorAction(c *cli.Context) error {
	logrus.WithField("cmd", "monitor").Info("Starting monitor CMD")

	monitor := &executor.Executor{ProfilePath: c.String("profile")}
	if err := monitor.Start(); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}
	return nil
}

// oneShotEngine builds an engine without persistence for the read-only commands.
func oneShotEngine(ctx context.Context, profile string) (*engine.Engine, engine.Gateway, error) {
	settings, err := config.Load(profile)
	if err != nil {
		return nil, nil, err
	}
	gw, err := executor.NewGateway(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	return engine.New(gw, settings.Engine, settings.Policy), gw, nil
}

func initialSLAction(c *cli.Context) error {
	size, err := decimal.NewFromString(c.String("size"))
	if err != nil {
		return fmt.Errorf("--size: %w", err)
	}
	entry, err := decimal.NewFromString(c.String("entry"))
	if err != nil {
		return fmt.Errorf("--entry: %w", err)
	}
	maxLoss := decimal.Zero
	if v := c.String("max-loss"); v != "" {
		if maxLoss, err = decimal.NewFromString(v); err != nil {
			return fmt.Errorf("--max-loss: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng, _, err := oneShotEngine(ctx, c.String("profile"))
	if err != nil {
		return err
	}
	return inspect.InitialStopLoss(ctx, os.Stdout, eng, inspect.InitialRequest{
		Symbol:    c.String("symbol"),
		Direction: model.Direction(strings.ToLower(c.String("direction"))),
		Size:      size,
		Entry:     entry,
		MaxLoss:   maxLoss,
	})
}

func positionsAction(c *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng, gw, err := oneShotEngine(ctx, c.String("profile"))
	if err != nil {
		return err
	}
	return inspect.Positions(ctx, os.Stdout, gw, eng)
}

func readLine() (string, error) {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func encryptSecretAction(_ *cli.Context) error {
	_, _ = fmt.Fprint(os.Stderr, "secret> ")
	secret, err := readLine()
	if err != nil {
		return err
	}
	return keys.EncryptSecret(os.Stdout, secret)
}

func hashTokenAction(c *cli.Context) error {
	token := c.String("token")
	if token == "" {
		_, _ = fmt.Fprint(os.Stderr, "token> ")
		var err error
		if token, err = readLine(); err != nil {
			return err
		}
	}
	return keys.HashToken(os.Stdout, c.String("name"), token)
}
