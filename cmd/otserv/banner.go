package main

import (
	"fmt"

	"github.com/common-nighthawk/go-figure"
	"github.com/gookit/color"

	"badc0de.net/pkg/go-otserv/config"
	"badc0de.net/pkg/go-otserv/login"
)

func printBanner(cfg *config.Config) {
	banner := figure.NewFigure(cfg.ServerName, "", false)
	color.RGB(0x3C, 0xB3, 0x71).Printf("%s\n", banner.String())
	fmt.Printf("protocol %s, login on port %d\n\n", login.ClientVersionString, cfg.LoginProtocolPort)
}
