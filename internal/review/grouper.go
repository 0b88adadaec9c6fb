package review

// DocumentNames resolves document titles from the project listing.
type DocumentNames map[DocumentID]string

// DocumentGroup holds the assignments of a single document.
type DocumentGroup struct {
	DocumentID   DocumentID
	DocumentName string
	Assignments  []Assignment
}

// GroupByDocument partitions assignments by document, keeping first-appearance order for
// both groups and members. Names come from names, then the assignment's own
// document_name, then UnknownDocumentName.
func GroupByDocument(assignments []Assignment, names DocumentNames) []DocumentGroup {
	index := make(map[DocumentID]int)
	var groups []DocumentGroup
	for _, assignment := range assignments {
		position, ok := index[assignment.DocumentID]
		if !ok {
			position = len(groups)
			index[assignment.DocumentID] = position
			groups = append(groups, DocumentGroup{
				DocumentID:   assignment.DocumentID,
				DocumentName: resolveDocumentName(assignment, names),
			})
		}
		groups[position].Assignments = append(groups[position].Assignments, assignment)
	}
	return groups
}

func resolveDocumentName(assignment Assignment, names DocumentNames) string {
	if name, ok := names[assignment.DocumentID]; ok && name != "" {
		return name
	}
	if assignment.DocumentName != "" {
		return assignment.DocumentName
	}
	return UnknownDocumentName
}
