package models

import "time"

// ClusterMember is a record placed in a cluster, together with its
// position in the analyzed input.
type ClusterMember struct {
	Record PromptRecord `json:"record" yaml:"record"`
	Index  int          `json:"index" yaml:"index"`
}

// Cluster is a non-empty group of near-duplicate prompts of one user.
// Members are ordered by timestamp, ties broken by input index.
type Cluster struct {
	Members []ClusterMember `json:"members" yaml:"members"`
}

// Size returns the number of members.
func (c Cluster) Size() int {
	return len(c.Members)
}

// Indices returns the input positions of the members, in member order.
func (c Cluster) Indices() []int {
	out := make([]int, len(c.Members))
	for i, m := range c.Members {
		out[i] = m.Index
	}
	return out
}

// Earliest returns the timestamp of the first member.
func (c Cluster) Earliest() time.Time {
	if len(c.Members) == 0 {
		return time.Time{}
	}
	return c.Members[0].Record.Timestamp
}

// ClusterView is a cluster as presented in an analysis result, with the
// pairwise similarities of its members (rows and columns in member order).
type ClusterView struct {
	Members      []ClusterMember `json:"members" yaml:"members"`
	Similarities [][]float64     `json:"similarities" yaml:"similarities"`
	ID           int             `json:"id" yaml:"id"`
}

// Keyword is a weighted term of a prompt.
type Keyword struct {
	Term   string  `json:"term" yaml:"term"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// PromptPair describes two records of the same user that are either
// textually identical or semantically similar above the threshold.
type PromptPair struct {
	First          PromptRecord `json:"first" yaml:"first"`
	Second         PromptRecord `json:"second" yaml:"second"`
	UniqueToFirst  []string     `json:"unique_to_first,omitempty" yaml:"unique_to_first,omitempty"`
	UniqueToSecond []string     `json:"unique_to_second,omitempty" yaml:"unique_to_second,omitempty"`
	CommonTerms    []string     `json:"common_terms,omitempty" yaml:"common_terms,omitempty"`
	FirstKeywords  []Keyword    `json:"first_keywords,omitempty" yaml:"first_keywords,omitempty"`
	SecondKeywords []Keyword    `json:"second_keywords,omitempty" yaml:"second_keywords,omitempty"`
	FirstIndex     int          `json:"first_index" yaml:"first_index"`
	SecondIndex    int          `json:"second_index" yaml:"second_index"`
	Similarity     float64      `json:"similarity" yaml:"similarity"`
	Lexical        float64      `json:"lexical" yaml:"lexical"`
}

// EditType is the kind of a text edit between two consecutive prompts.
type EditType string

const (
	EditReplace EditType = "replace"
	EditDelete  EditType = "delete"
	EditInsert  EditType = "insert"
)

// TextEdit is one edit operation turning a previous prompt into the next one.
type TextEdit struct {
	Type EditType `json:"type" yaml:"type"`
	Old  string   `json:"old,omitempty" yaml:"old,omitempty"`
	New  string   `json:"new,omitempty" yaml:"new,omitempty"`
}

// PromptChange records how a user edited a prompt between two consecutive
// submissions.
type PromptChange struct {
	Timestamp     time.Time  `json:"timestamp" yaml:"timestamp"`
	Previous      string     `json:"previous" yaml:"previous"`
	Current       string     `json:"current" yaml:"current"`
	Edits         []TextEdit `json:"edits" yaml:"edits"`
	PreviousIndex int        `json:"previous_index" yaml:"previous_index"`
	CurrentIndex  int        `json:"current_index" yaml:"current_index"`
}

// AnalysisStats summarizes a single-user analysis.
type AnalysisStats struct {
	PromptCount      int `json:"prompt_count" yaml:"prompt_count"`
	ClusterCount     int `json:"cluster_count" yaml:"cluster_count"`
	SingletonCount   int `json:"singleton_count" yaml:"singleton_count"`
	LargestCluster   int `json:"largest_cluster" yaml:"largest_cluster"`
	IdenticalPairs   int `json:"identical_pairs" yaml:"identical_pairs"`
	SimilarPairs     int `json:"similar_pairs" yaml:"similar_pairs"`
	ChangeCount      int `json:"change_count" yaml:"change_count"`
	DurationMillis   int `json:"duration_ms" yaml:"duration_ms"`
	EmbeddingBatches int `json:"embedding_batches" yaml:"embedding_batches"`
}

// AnalysisResult is the outcome of clustering one user's prompts.
type AnalysisResult struct {
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
	ID             string         `json:"id" yaml:"id"`
	UserID         string         `json:"user_id" yaml:"user_id"`
	ModelVersion   string         `json:"model_version" yaml:"model_version"`
	Clusters       []ClusterView  `json:"clusters" yaml:"clusters"`
	IdenticalPairs []PromptPair   `json:"identical_pairs" yaml:"identical_pairs"`
	SimilarPairs   []PromptPair   `json:"similar_pairs" yaml:"similar_pairs"`
	Changes        []PromptChange `json:"changes" yaml:"changes"`
	Stats          AnalysisStats  `json:"stats" yaml:"stats"`
	Threshold      float64        `json:"threshold" yaml:"threshold"`
}

// UserSummary is the per-user line of a multi-user analysis.
type UserSummary struct {
	UserID       string `json:"user_id" yaml:"user_id"`
	Error        string `json:"error,omitempty" yaml:"error,omitempty"`
	PromptCount  int    `json:"prompt_count" yaml:"prompt_count"`
	ClusterCount int    `json:"cluster_count" yaml:"cluster_count"`
	SimilarPairs int    `json:"similar_pairs" yaml:"similar_pairs"`
}

// AnalysisSummary is the outcome of analyzing every eligible user of a dataset.
type AnalysisSummary struct {
	CreatedAt    time.Time         `json:"created_at" yaml:"created_at"`
	Results      []*AnalysisResult `json:"results,omitempty" yaml:"results,omitempty"`
	Users        []UserSummary     `json:"users" yaml:"users"`
	TotalUsers   int               `json:"total_users" yaml:"total_users"`
	SkippedUsers int               `json:"skipped_users" yaml:"skipped_users"`
	FailedUsers  int               `json:"failed_users" yaml:"failed_users"`
	MinPrompts   int               `json:"min_prompts" yaml:"min_prompts"`
}
