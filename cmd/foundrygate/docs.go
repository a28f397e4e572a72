package main

// General API documentation for swaggo. Run `swag init -g cmd/foundrygate/docs.go` to regenerate.
//
// @title           foundrygate API
// @version         0.1.0
// @description     HTTP/SSE gateway in front of a CLI-controlled local inference engine.
//
// @contact.name   foundrygate maintainers
// @contact.url    https://github.com/your-org/foundrygate
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
