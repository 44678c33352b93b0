package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check /health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var body struct {
			OK       bool `json:"ok"`
			Sessions int  `json:"sessions"`
		}
		if err := getJSON("/health", &body); err != nil {
			return err
		}
		fmt.Printf("ok=%v sessions=%d\n", body.OK, body.Sessions)
		return nil
	},
}

var dailyCmd = &cobra.Command{
	Use:   "daily [date]",
	Short: "Show the daily challenge (default today)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date := "today"
		if len(args) == 1 {
			date = args[0]
		}
		var ch struct {
			ID    string `json:"id"`
			Date  string `json:"date"`
			Title string `json:"title"`
			Board string `json:"board"`
			Turn  string `json:"turn"`
		}
		if err := getJSON("/daily/"+date, &ch); err != nil {
			return err
		}
		fmt.Printf("%s %s %q (%s to move)\n%s\n", ch.Date, ch.ID, ch.Title, ch.Turn, ch.Board)
		return nil
	},
}

func getJSON(path string, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(baseURL() + path)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	if err := fasthttp.DoTimeout(req, resp, flagTimeout); err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return fmt.Errorf("GET %s: status %d: %s", path, code, resp.Body())
	}
	return json.Unmarshal(resp.Body(), out)
}
