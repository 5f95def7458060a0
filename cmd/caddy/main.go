package main

import (
	caddycmd "github.com/caddyserver/caddy/v2/cmd"

	_ "github.com/caddyserver/caddy/v2/modules/standard"

	_ "github.com/stardothosting/caddy-turnstile"
)

func main() {
	caddycmd.Main()
}
