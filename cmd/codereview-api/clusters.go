package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/review"
	"github.com/MarcoPoloResearchLab/codereview/backend/internal/upstream"
	"github.com/spf13/cobra"
)

var errMissingProjectFile = errors.New("project file is required")

type clustersOptions struct {
	projectFile  string
	documentsDir string
	userID       int64
	view         string
	status       string
	query        string
}

// newClustersCommand clusters an exported project payload offline. Document contents
// are read from <documents-dir>/<document id>.txt.
func newClustersCommand() *cobra.Command {
	options := clustersOptions{}
	cmd := &cobra.Command{
		Use:   "clusters",
		Short: "Print the overlap clusters of an exported project as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClusters(cmd.OutOrStdout(), options)
		},
	}
	cmd.Flags().StringVar(&options.projectFile, "project-file", "", "Path to a comprehensive project JSON payload")
	cmd.Flags().StringVar(&options.documentsDir, "documents-dir", "", "Directory holding <document id>.txt files")
	cmd.Flags().Int64Var(&options.userID, "user-id", 0, "Reviewer identity; defaults to the project owner")
	cmd.Flags().StringVar(&options.view, "view", string(review.ViewEdit), "Cluster view (edit, compare, status)")
	cmd.Flags().StringVar(&options.status, "status", "", "Status kept by the status view")
	cmd.Flags().StringVar(&options.query, "q", "", "Search query")
	return cmd
}

func runClusters(out io.Writer, options clustersOptions) error {
	if strings.TrimSpace(options.projectFile) == "" {
		return errMissingProjectFile
	}
	raw, err := os.ReadFile(options.projectFile)
	if err != nil {
		return fmt.Errorf("read project file: %w", err)
	}
	var project upstream.Project
	if err := json.Unmarshal(raw, &project); err != nil {
		return fmt.Errorf("decode project file: %w", err)
	}
	view, err := review.ParseView(options.view)
	if err != nil {
		return err
	}
	filter := review.Filter{View: view, Query: options.query}
	if view == review.ViewStatus {
		status, err := review.ParseStatus(options.status)
		if err != nil {
			return err
		}
		filter.Status = status
	}

	userID := options.userID
	if userID == 0 {
		userID = project.OwnerID
	}
	registry := project.Registry(userID)
	contents, err := readDocumentContents(options.documentsDir, registry.DocumentIDs())
	if err != nil {
		return err
	}

	names := project.DocumentNames()
	assignments := filter.Apply(registry.AllAssignments(), names, nil)
	clusters := filter.Restrict(review.ClusterDocuments(review.GroupByDocument(assignments, names), contents), nil)
	if clusters == nil {
		clusters = []review.Cluster{}
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(clusters)
}

// readDocumentContents loads the documents that exist on disk; missing files leave the
// document unclustered.
func readDocumentContents(dir string, documentIDs []review.DocumentID) (review.DocumentContents, error) {
	contents := review.DocumentContents{}
	if strings.TrimSpace(dir) == "" {
		return contents, nil
	}
	for _, documentID := range documentIDs {
		path := filepath.Join(dir, strconv.FormatInt(int64(documentID), 10)+".txt")
		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read document %d: %w", documentID, err)
		}
		contents[documentID] = string(raw)
	}
	return contents, nil
}
