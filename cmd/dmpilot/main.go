package main

import (
	"flag"
	"log"
	"os"

	"github.com/nvoss/dmpilot/internal/server"
)

func main() {
	httpAddr := flag.String("http", ":8384", "HTTP/WebSocket listen address")
	dbPath := flag.String("db", "dmpilot.db", "SQLite database path")
	apiURL := flag.String("api-url", "", "Backend API base URL (or set DMPILOT_API_URL)")
	apiKey := flag.String("api-key", "", "Backend API key (or set DMPILOT_API_KEY)")
	mqttBroker := flag.String("mqtt", "", "MQTT broker URL for the event bridge (optional)")
	headless := flag.Bool("headless", false, "Run the browser headless (login requires a visible window)")
	flag.Parse()

	if *apiURL == "" {
		*apiURL = os.Getenv("DMPILOT_API_URL")
	}
	if *apiKey == "" {
		*apiKey = os.Getenv("DMPILOT_API_KEY")
	}
	if *apiURL == "" || *apiKey == "" {
		log.Fatal("Backend API URL and key are required (flags or DMPILOT_API_URL/DMPILOT_API_KEY)")
	}

	srv, err := server.New(server.Config{
		Addr:       *httpAddr,
		DBPath:     *dbPath,
		APIBaseURL: *apiURL,
		APIKey:     *apiKey,
		MQTTBroker: *mqttBroker,
		Headless:   *headless,
	})
	if err != nil {
		log.Fatalf("Startup error: %v", err)
	}
	defer srv.Close()

	if err := srv.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
