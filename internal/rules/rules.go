// 包 rules 负责加载并提供站点解析规则（rules.yaml），
// 以预设名（如 default）组织 CSS 选择器，用于档案页/在线列表解析。
// 未提供规则文件时使用内置的 damadam 默认预设。
package rules

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rules 表示全部规则集合：键为预设名，值为具体规则。
type Rules struct {
	Presets map[string]Preset `yaml:",inline"`
}

// Preset 为单个站点预设的解析规则集合。
type Preset struct {
	Profile *ProfilePage `yaml:"profile_page"`
	Online  *OnlinePage  `yaml:"online_page"`
}

// ProfilePage 描述档案页的选择器。选择器写法：
// - `sel@attr`：取属性；`@attr`：取当前元素属性；`.`：取自身文本
// - `a || b || c`：降级链，依次尝试直到取到非空值
// 带 "Label:" 字样的选择器命中后，取值阶段会剥离标签前缀。
type ProfilePage struct {
	Heading      string       `yaml:"heading"` // 页面形态校验，取不到视为结构异常
	Intro        string       `yaml:"intro"`
	City         string       `yaml:"city"`
	Gender       string       `yaml:"gender"`
	Married      string       `yaml:"married"`
	Age          string       `yaml:"age"`
	Joined       string       `yaml:"joined"`
	Followers    string       `yaml:"followers"`
	Posts        string       `yaml:"posts"`
	Image        string       `yaml:"image"`
	LastPostLink string       `yaml:"last_post_link"` // 站点改版后按需配置，留空跳过
	LastPostTime string       `yaml:"last_post_time"`
	Mehfil       *MehfilRules `yaml:"mehfil"`
}

// MehfilRules 描述档案页中麦夫里（站内群组）列表的选择器；
// 链接取条目自身的 href，无需单独配置。
type MehfilRules struct {
	Entry string `yaml:"entry"`
	Name  string `yaml:"name"`
	Types string `yaml:"types"`
	Date  string `yaml:"date"`
}

// OnlinePage 描述在线列表页的昵称选择器，按序尝试，首个命中的策略生效。
type OnlinePage struct {
	Strategies []string `yaml:"strategies"`
}

func Load(path string) (*Rules, error) {
	// 从文件加载 YAML 到 Rules.Presets
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rules %s: %w", path, err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var r Rules
	if err := yaml.Unmarshal(b, &r.Presets); err != nil {
		return nil, fmt.Errorf("unmarshal rules %s: %w", path, err)
	}
	return &r, nil
}

// Builtin 返回内置默认规则，规则文件缺失时的兜底。
func Builtin() *Rules {
	return &Rules{Presets: map[string]Preset{"default": damadamPreset()}}
}

// damadamPreset 为 damadam.pk 当前页面结构的选择器预设。
func damadamPreset() Preset {
	return Preset{
		Profile: &ProfilePage{
			Heading:   "h1",
			Intro:     `b:contains("Intro") ~ span || span[class*='nos']`,
			City:      `b:contains("City:") ~ span || span[class*='label']:contains("City:") ~ span || div:contains("City:")`,
			Gender:    `b:contains("Gender:") ~ span || span[class*='label']:contains("Gender:") ~ span || div:contains("Gender:")`,
			Married:   `b:contains("Married:") ~ span || span[class*='label']:contains("Married:") ~ span || div:contains("Married:")`,
			Age:       `b:contains("Age:") ~ span || span[class*='label']:contains("Age:") ~ span || div:contains("Age:")`,
			Joined:    `b:contains("Joined:") ~ span || span[class*='label']:contains("Joined:") ~ span || div:contains("Joined:")`,
			Followers: `b:contains("Followers:") ~ span || div:contains("Followers:")`,
			Posts:     `b:contains("Posts:") ~ span || div:contains("Posts:")`,
			Image:     `img[src*='avatar']@src || img[src*='/photos/']@src`,
			Mehfil: &MehfilRules{
				Entry: `div.mbl.mtl a[href*='/mehfil/public/']`,
				Name:  `div.ow`,
				Types: `div[style*='background:#f8f7f9']`,
				Date:  `div.cs.sp`,
			},
		},
		Online: &OnlinePage{
			Strategies: []string{
				`b.clb bdi`,
				`form[action*='/search/nickname/redirect/']@action`,
				`li.mbl.cl.sp b.clb`,
			},
		},
	}
}

// GetPreset 按名称获取预设（不区分大小写），若为空或不存在则回退到 "default"。
func (r *Rules) GetPreset(name string) (Preset, bool) {
	if r == nil || len(r.Presets) == 0 {
		return Preset{}, false
	}
	if name == "" {
		name = "default"
	}
	if p, ok := r.Presets[name]; ok {
		return p, true
	}
	// 不区分大小写匹配
	lower := strings.ToLower(name)
	for k, v := range r.Presets {
		if strings.ToLower(k) == lower {
			return v, true
		}
	}
	if p, ok := r.Presets["default"]; ok {
		return p, true
	}
	for _, v := range r.Presets {
		return v, true
	}
	return Preset{}, false
}
