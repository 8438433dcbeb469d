package domain

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Category is the fixed photo subject a user picks before uploading.
type Category string

const (
	CategoryBookshelf Category = "bookshelf"
	CategoryFridge    Category = "fridge"
	CategoryCloset    Category = "closet"
	CategoryWhisky    Category = "whisky"
)

// Categories lists every recognized category in display order.
var Categories = []Category{CategoryBookshelf, CategoryFridge, CategoryCloset, CategoryWhisky}

var categoryAliases = map[string]Category{
	"bookshelf": CategoryBookshelf,
	"library":   CategoryBookshelf,
	"fridge":    CategoryFridge,
	"closet":    CategoryCloset,
	"whisky":    CategoryWhisky,
	"whiskey":   CategoryWhisky,
}

// ParseCategory resolves a user supplied lab name, including the legacy
// aliases "library" and "whiskey", to its canonical Category.
func ParseCategory(s string) (Category, bool) {
	c, ok := categoryAliases[strings.ToLower(strings.TrimSpace(s))]
	return c, ok
}

// Mode selects how a batch of images is sent to the vision service.
type Mode string

const (
	// ModeCombined sends every image in a single request.
	ModeCombined Mode = "combined"
	// ModeSequential analyzes each image in turn and then asks for a summary.
	ModeSequential Mode = "sequential"
)

func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeCombined:
		return ModeCombined, true
	case ModeSequential:
		return ModeSequential, true
	default:
		return "", false
	}
}

// UploadedImage is one user supplied picture, already normalized by intake.
type UploadedImage struct {
	ID       string
	Filename string
	MIMEType string
	Data     []byte
	// Preview is a small data URI thumbnail kept for history display.
	Preview string
}

// DataURI returns the image as a data:<mime>;base64,<payload> string.
func (img UploadedImage) DataURI() string {
	return fmt.Sprintf("data:%s;base64,%s", img.MIMEType, base64.StdEncoding.EncodeToString(img.Data))
}

type AnalysisRequest struct {
	Category Category
	Images   []UploadedImage
	Mode     Mode
}

// AnalysisResult is the outcome of a successful analysis. It is never
// mutated once created.
type AnalysisResult struct {
	ID         string    `json:"id"`
	Category   Category  `json:"category"`
	Mode       Mode      `json:"mode"`
	Previews   []string  `json:"previews"`
	Analysis   string    `json:"analysis"`
	ImageCount int       `json:"imageCount"`
	CreatedAt  time.Time `json:"createdAt"`
}
