package main

import "hasirumitra/internal/app"

// @title        Hasiru Mitra Identity API
// @version      1.0
// @description  Phone-number authentication with one-time codes for farmers and staff.
// @BasePath     /
func main() {
	app.Run()
}
