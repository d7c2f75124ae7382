package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/jDay-whyT/converterBot-backend/internal/convsvc"
)

func main() {
	apiKey := os.Getenv("CONVERTER_API_KEY")
	if apiKey == "" {
		log.Printf("[convsvc] CONVERTER_API_KEY is not set, all requests will be rejected")
	}

	maxFileMB := int64(40)
	if v := os.Getenv("MAX_FILE_MB"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			log.Fatalf("invalid MAX_FILE_MB: %q", v)
		}
		maxFileMB = n
	}

	port := 8081
	if v := os.Getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Fatalf("invalid PORT: %q", v)
		}
		port = n
	}

	svc := convsvc.New(apiKey, maxFileMB)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      svc.Router(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
	}

	log.Printf("[convsvc] listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}
