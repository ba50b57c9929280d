package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/duckling-run/duckling/internal/task"
)

func newRegisterRepoCommand() *cobra.Command {
	var owner, name string
	cmd := &cobra.Command{
		Use:   "register-repo <path>",
		Short: "Register a local repository path under an owner/name pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return registerRepo(cmd, args[0], owner, name)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Repository owner on the hosted VCS")
	cmd.Flags().StringVar(&name, "name", "", "Repository name on the hosted VCS")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func registerRepo(cmd *cobra.Command, path, owner, name string) error {
	_, s, err := buildEngine(cmd.Context(), 0)
	if err != nil {
		return err
	}
	if err := s.PutRepository(cmd.Context(), &task.Repository{Path: path, Owner: owner, Name: name}); err != nil {
		return fmt.Errorf("register repository: %w", err)
	}
	fmt.Printf("registered %s as %s/%s\n", path, owner, name)
	return nil
}

func newCreateTaskCommand() *cobra.Command {
	var (
		title, description, repoPath, codingTool string
	)
	cmd := &cobra.Command{
		Use:   "create-task",
		Short: "Create a pending task for the engine to pick up on its next tick",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := buildEngine(cmd.Context(), 0)
			if err != nil {
				return err
			}
			id, err := e.CreateTask(cmd.Context(), title, description, task.CodingTool(codingTool), repoPath)
			if err != nil {
				return fmt.Errorf("create task: %w", err)
			}
			fmt.Printf("created task %d\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Short task title")
	cmd.Flags().StringVar(&description, "description", "", "Task description handed to the coding assistant")
	cmd.Flags().StringVar(&repoPath, "repo", "", "Local path of a registered repository")
	cmd.Flags().StringVar(&codingTool, "tool", "amp", "Coding tool to invoke (amp|openai)")
	_ = cmd.MarkFlagRequired("description")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func newCancelTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel-task <id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := buildEngine(cmd.Context(), 0)
			if err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return e.CancelTask(cmd.Context(), id)
		},
	}
	return cmd
}

func newRetryTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry-task <id>",
		Short: "Retry a failed task by returning it to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := buildEngine(cmd.Context(), 0)
			if err != nil {
				return err
			}
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return e.RetryTask(cmd.Context(), id)
		},
	}
	return cmd
}

func parseTaskID(raw string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid task id %q: %w", raw, err)
	}
	return id, nil
}
