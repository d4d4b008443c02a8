package main

import (
	"fmt"
	"os"

	logger "github.com/sirupsen/logrus"

	"stopguard/cmd/executor"
	"stopguard/src/config"
	"stopguard/src/database"
	"stopguard/src/utils"
)

var APP_NAME = os.Getenv("APP_NAME")

// main runs the monitor directly; cmd/ carries the full command set.
func main() {
	if err := config.LoadDotEnv(); err != nil {
		logger.WithError(err).Warn("Ignoring .env")
	}
	dbCfg := database.GetConfig()
	utils.SetupLogger(dbCfg.LogLevel, dbCfg.LogFormat)
	defer handlePanic()

	monitor := &executor.Executor{}
	if err := monitor.Start(); err != nil {
		logger.WithError(err).Fatal("Monitor stopped")
	}
}

func handlePanic() {
	if r := recover(); r != nil {
		logger.WithError(fmt.Errorf("%+v", r)).Error(fmt.Sprintf("Application %s panic", APP_NAME))
		os.Exit(1)
	}
}
