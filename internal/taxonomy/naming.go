package taxonomy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"taxosync/internal/model"
)

// ArchiveLabelName provider 侧的归档标记标签。Gmail 不接受 "Archive"/"Archived"。
const ArchiveLabelName = "Email Archive"

const (
	MinRetentionDays = 1
	MaxRetentionDays = 3650
)

var ErrInvalidRetention = errors.New("invalid retention days")

// ValidateRetentionDays 在写入前校验保留天数，nil 表示继承，总是合法
func ValidateRetentionDays(days *int) error {
	if days == nil {
		return nil
	}
	if *days < MinRetentionDays || *days > MaxRetentionDays {
		return fmt.Errorf("%w: %d (allowed %d..%d)", ErrInvalidRetention, *days, MinRetentionDays, MaxRetentionDays)
	}
	return nil
}

// ProviderLabelName tier-1 为 "<Name>"，tier-2 为 "<Parent>/<Name>"
func ProviderLabelName(label model.TaxonomyLabel, parent *model.TaxonomyLabel) string {
	if !label.IsChild() || label.ParentID == nil {
		return label.Name
	}
	parentName := "(Unknown)"
	if parent != nil {
		parentName = parent.Name
	}
	return parentName + "/" + label.Name
}

// ProviderLabelNameIn resolves the parent from the tree.
func ProviderLabelNameIn(tree *Tree, label model.TaxonomyLabel) string {
	if p, ok := tree.Parent(label); ok {
		return ProviderLabelName(label, &p)
	}
	return ProviderLabelName(label, nil)
}

var folder = cases.Fold()

// NormalizeLabelName 用于匹配 provider 中大小写/空白/兼容字符不同的同名标签
func NormalizeLabelName(name string) string {
	return folder.String(strings.TrimSpace(norm.NFKC.String(name)))
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify 生成小写 ASCII slug
func Slugify(name string) string {
	s := strings.ToLower(norm.NFKD.String(name))
	s = nonSlug.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "label"
	}
	return s
}

// ChildSlug 在 parent 下命名空间化
func ChildSlug(parentSlug, name string) string {
	return parentSlug + "--" + Slugify(name)
}
