package main

import (
	"context"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"kcache/internal/buildpipeline"
	"kcache/internal/ui"
)

type buildOutcome struct {
	results []buildpipeline.Result
	err     error
}

func runBuildWithUI(ctx context.Context, title string, backend *buildpipeline.Backend, reqs []buildpipeline.Request, jobs int) ([]buildpipeline.Result, error) {
	events := make(chan buildpipeline.Event, 256)
	outcomeCh := make(chan buildOutcome, 1)

	go func() {
		results, err := backend.BuildAll(ctx, reqs, jobs, buildpipeline.ChannelSink{Ch: events})
		outcomeCh <- buildOutcome{results: results, err: err}
		close(events)
	}()

	names := make([]string, len(reqs))
	for i, req := range reqs {
		names[i] = req.Name
	}
	model := ui.NewProgressModel(title, names, events)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
	_, uiErr := program.Run()
	if uiErr != nil {
		// Keep the pipeline from blocking on a full channel.
		go func() {
			for range events {
			}
		}()
	}
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.results, uiErr
	}
	return outcome.results, outcome.err
}
