package main

import (
	"fmt"
	"os"
	"path/filepath"

	"contextkeeper/internal/memory"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

func main() {
	var rootDir string
	var configPath string

	root := &cobra.Command{
		Use:   "ctxkeep",
		Short: "Inspect contextkeeper session and artifact state",
	}
	root.PersistentFlags().StringVar(&rootDir, "root", "", "storage root (defaults to config)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path")

	loadCfg := func() (memory.Config, error) {
		cfg, err := memory.LoadConfig(configPath)
		if err != nil {
			return cfg, err
		}
		if rootDir != "" {
			cfg.Root = rootDir
		}
		return cfg, nil
	}

	sessions := &cobra.Command{
		Use:   "sessions <owner>",
		Short: "List sessions for an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			reg := memory.NewRegistry(cfg, nil, nil, memory.NewLogger(nil))
			list, err := reg.ListSessions(args[0])
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println(dimStyle.Render("no sessions"))
				return nil
			}
			fmt.Println(titleStyle.Render(fmt.Sprintf("sessions for %s", args[0])))
			for _, s := range list {
				status := string(s.Status)
				if s.Status != memory.StatusActive {
					status = dimStyle.Render(status)
				}
				fmt.Printf("  %s  %s  turns=%d  archives=%d  last=%s\n",
					s.ID, status, s.TurnCount, s.ArchiveCount,
					s.LastActivity.Format("2006-01-02 15:04"))
				if s.PredecessorID != "" {
					fmt.Printf("    %s\n", dimStyle.Render("inherited from "+s.PredecessorID))
				}
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <owner> <session-id>",
		Short: "Print a session's log file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Root, "sessions", args[0], args[1]+".log")
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}

	var artTopic, artType, artSession string
	artifacts := &cobra.Command{
		Use:   "artifacts",
		Short: "Query the artifact index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			var idx memory.ArtifactIndex
			if cfg.IndexBackend == "sqlite" {
				idx, err = memory.NewSQLiteArtifactIndex(filepath.Join(cfg.Root, "artifact-index.db"))
			} else {
				idx, err = memory.NewJSONArtifactIndex(filepath.Join(cfg.Root, "artifact-index.json"))
			}
			if err != nil {
				return err
			}
			entries, err := idx.Query(memory.IndexQuery{
				SessionID: artSession,
				Topic:     artTopic,
				Type:      artType,
			})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println(dimStyle.Render("no artifacts"))
				return nil
			}
			fmt.Println(titleStyle.Render("artifacts"))
			for _, e := range entries {
				loc := "inline"
				if e.Offloaded {
					loc = warnStyle.Render("offloaded")
				}
				fmt.Printf("  %s  type=%s  topic=%s  ~%d tokens  %s\n",
					e.ID, e.Type, e.Topic, e.TokenEstimate, loc)
			}
			return nil
		},
	}
	artifacts.Flags().StringVar(&artTopic, "topic", "", "topic substring filter")
	artifacts.Flags().StringVar(&artType, "type", "", "artifact type filter")
	artifacts.Flags().StringVar(&artSession, "session", "", "session id filter")

	root.AddCommand(sessions, show, artifacts)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
