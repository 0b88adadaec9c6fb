package upstream

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/review"
)

// User is the member summary embedded in project payloads.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// DocumentSummary is a project document without its content.
type DocumentSummary struct {
	ID    review.DocumentID `json:"id"`
	Name  string            `json:"name"`
	Title string            `json:"title,omitempty"`
}

// DisplayName returns the best available label for the document.
func (d DocumentSummary) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Title
}

// Document is a project document with its plain-text content.
type Document struct {
	ID      review.DocumentID `json:"id"`
	Name    string            `json:"name"`
	Content string            `json:"content"`
}

// Code is a label that can be applied to text ranges.
type Code struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Color       string `json:"color,omitempty"`
	CodebookID  *int64 `json:"codebook_id,omitempty"`
	Description string `json:"description,omitempty"`
}

// Codebook groups codes; AI-generated codebooks are kept apart from manual ones.
type Codebook struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	IsAIGenerated bool   `json:"is_ai_generated"`
}

// Project is the comprehensive project payload returned by GET /projects/{id}.
type Project struct {
	ID                         int64                           `json:"id"`
	Title                      string                          `json:"title"`
	OwnerID                    int64                           `json:"owner_id"`
	Owner                      *User                           `json:"owner,omitempty"`
	Collaborators              []User                          `json:"collaborators,omitempty"`
	Documents                  []DocumentSummary               `json:"documents"`
	Codes                      []Code                          `json:"codes"`
	Codebooks                  []Codebook                      `json:"codebooks"`
	CodeAssignments            []review.Assignment             `json:"code_assignments"`
	SubmittedAssignmentsByUser []review.CollaboratorSubmission `json:"submitted_assignments_by_user"`
}

// IsOwner reports whether userID owns the project.
func (p Project) IsOwner(userID int64) bool {
	if p.Owner != nil {
		return p.Owner.ID == userID
	}
	return p.OwnerID == userID
}

// DocumentNames indexes document labels by identifier.
func (p Project) DocumentNames() review.DocumentNames {
	names := make(review.DocumentNames, len(p.Documents))
	for _, document := range p.Documents {
		names[document.ID] = document.DisplayName()
	}
	return names
}

// CodeIndex indexes codes by identifier.
func (p Project) CodeIndex() map[int64]Code {
	index := make(map[int64]Code, len(p.Codes))
	for _, code := range p.Codes {
		index[code.ID] = code
	}
	return index
}

// Registry builds the assignment registry. Owners review their own assignments plus every
// collaborator submission; other members only see their own assignments.
func (p Project) Registry(userID int64) *review.Registry {
	owned := p.enrich(p.CodeAssignments)
	if !p.IsOwner(userID) {
		return review.NewRegistry(owned, nil)
	}
	collaborators := make([]review.CollaboratorSubmission, 0, len(p.SubmittedAssignmentsByUser))
	for _, submission := range p.SubmittedAssignmentsByUser {
		if submission.UserID == userID {
			continue
		}
		submission.Assignments = p.enrich(submission.Assignments)
		collaborators = append(collaborators, submission)
	}
	return review.NewRegistry(owned, collaborators)
}

// enrich fills code names and colors from the project code list.
func (p Project) enrich(assignments []review.Assignment) []review.Assignment {
	codes := p.CodeIndex()
	out := make([]review.Assignment, 0, len(assignments))
	for _, assignment := range assignments {
		assignment = assignment.Normalized()
		if assignment.CodeID != nil {
			if code, ok := codes[*assignment.CodeID]; ok {
				if assignment.CodeName == "" {
					assignment.CodeName = code.Name
				}
				if assignment.CodeColor == "" {
					assignment.CodeColor = code.Color
				}
			}
		}
		out = append(out, assignment)
	}
	return out
}

// StatusUpdateResult acknowledges a single status change.
type StatusUpdateResult struct {
	ID     review.AssignmentID `json:"id"`
	Status review.Status       `json:"status"`
}

// SubmitAssignmentsRequest is the collaborator submission payload.
type SubmitAssignmentsRequest struct {
	AssignmentIDs []review.AssignmentID `json:"assignment_ids"`
}

// GenerationRequest asks the AI service to work on accepted assignments.
type GenerationRequest struct {
	CodeAssignmentIDs []review.AssignmentID `json:"code_assignment_ids"`
}

// errorBody captures the error shapes the research backend emits.
type errorBody struct {
	Message    string          `json:"message"`
	Detail     json.RawMessage `json:"detail"`
	MissingIDs []int64         `json:"missing_ids"`
}
