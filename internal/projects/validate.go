package projects

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
)

var validate = validator.New()

var tagReasons = map[string]string{
	"required": "is required",
	"url":      "must be a valid URL",
	"max":      "must be at most %s characters",
	"oneof":    "must be one of: %s",
}

// ValidateRequest checks struct tags on a submission body.
func ValidateRequest(req CreateProjectRequest) error {
	return validateStruct(req)
}

// ValidateReport checks struct tags on a reported build outcome.
func ValidateReport(req ReportRequest) error {
	return validateStruct(req)
}

// validateStruct returns the first failing field as a ValidationError named
// after its json tag.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: "body", Reason: err.Error()}
	}

	e := verrs[0]
	field := e.StructField()
	if sf, ok := reflect.TypeOf(s).FieldByName(e.StructField()); ok {
		if tag := strings.Split(sf.Tag.Get("json"), ",")[0]; tag != "" {
			field = tag
		}
	}
	reason, ok := tagReasons[e.Tag()]
	switch {
	case !ok:
		reason = "failed " + e.Tag() + " check"
	case strings.Contains(reason, "%s"):
		reason = fmt.Sprintf(reason, e.Param())
	}
	return &ValidationError{Field: field, Reason: reason}
}

// SourceRef is the repository a submission points at.
type SourceRef struct {
	Owner string
	Name  string
}

// ParseSourceURL checks that raw points at an owner/repository path on host
// and returns both parts. Besides http(s) URLs it accepts the scp-like
// git@host:owner/repo form.
func ParseSourceURL(raw, host string) (SourceRef, error) {
	invalid := func(reason string) (SourceRef, error) {
		return SourceRef{}, &ValidationError{Field: "repo_url", Reason: reason}
	}

	if rest, ok := strings.CutPrefix(raw, "git@"); ok {
		h, path, found := strings.Cut(rest, ":")
		if !found || h == "" {
			return invalid("must be a valid URL")
		}
		raw = "https://" + h + "/" + path
	}

	if err := validate.Var(raw, "required,url"); err != nil {
		return invalid("must be a valid URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return invalid("must be a valid URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return invalid("must use http or https")
	}

	got := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if got != strings.ToLower(host) {
		return invalid(fmt.Sprintf("host must be %s", host))
	}

	var segments []string
	for _, s := range strings.Split(u.Path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) < 2 {
		return invalid("must point to owner/repository")
	}

	name := strings.TrimSuffix(segments[len(segments)-1], ".git")
	if name == "" {
		return invalid("repository name is empty")
	}
	return SourceRef{Owner: segments[0], Name: name}, nil
}

// DeployedURL builds the public address a hosted project is served from.
func DeployedURL(name, domain string) string {
	label := strings.ReplaceAll(slug.Make(name), "_", "-")
	if label == "" {
		label = "app"
	}
	return fmt.Sprintf("https://%s.%s", label, domain)
}
