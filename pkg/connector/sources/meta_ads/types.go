package metaads

import (
	"fmt"
	"strings"

	"github.com/lochness-labs/facebook-ingestion/pkg/models"
)

// AdAccount is an ad account visible to the token
type AdAccount struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ReportRun is the status of an async insights job
type ReportRun struct {
	ID                     string `json:"id"`
	AsyncStatus            string `json:"async_status"`
	AsyncPercentCompletion int    `json:"async_percent_completion"`
}

// Async job states reported by the API
const (
	StatusJobNotStarted = "Job Not Started"
	StatusJobStarted    = "Job Started"
	StatusJobRunning    = "Job Running"
	StatusJobCompleted  = "Job Completed"
	StatusJobFailed     = "Job Failed"
	StatusJobSkipped    = "Job Skipped"
)

// Preview ad formats
const (
	FormatDesktopFeedStandard = "DESKTOP_FEED_STANDARD"
	FormatFacebookStoryMobile = "FACEBOOK_STORY_MOBILE"
	FormatInstagramStandard   = "INSTAGRAM_STANDARD"
	FormatInstagramStory      = "INSTAGRAM_STORY"
)

// page is one page of a list response
type page struct {
	Data   []models.Record `json:"data"`
	Paging *pagingInfo     `json:"paging,omitempty"`
}

type pagingInfo struct {
	Cursors *cursorInfo `json:"cursors,omitempty"`
	Next    string      `json:"next,omitempty"`
}

type cursorInfo struct {
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

type previewPage struct {
	Data []struct {
		Body string `json:"body"`
	} `json:"data"`
}

type asyncJobResponse struct {
	ReportRunID string `json:"report_run_id"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// apiError is the error envelope of the Graph API
type apiError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		IsTransient  bool   `json:"is_transient"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// Edge returns the account edge listing a resource type
func Edge(rt models.ResourceType) (string, error) {
	switch rt {
	case models.ResourceAd:
		return "ads", nil
	case models.ResourceAdSet:
		return "adsets", nil
	case models.ResourceCampaign:
		return "campaigns", nil
	case models.ResourceAdImage:
		return "adimages", nil
	case models.ResourceAdCreative:
		return "adcreatives", nil
	case models.ResourceAdInsights:
		return "insights", nil
	default:
		return "", fmt.Errorf("no edge for resource type %q", rt)
	}
}

// AccountNode returns the graph node of an account id, adding the act_ prefix
// when missing
func AccountNode(accountID string) string {
	if strings.HasPrefix(accountID, "act_") {
		return accountID
	}
	return "act_" + accountID
}
