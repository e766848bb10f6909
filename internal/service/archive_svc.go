package service

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html/template"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/russross/blackfriday"
	"github.com/samber/lo"

	"lp_gen_v1_202610/pkg/utils"
)

// ==================== 归档布局 ====================

const (
	imagesDir      = "assets/images/"
	uploadsDir     = "assets/images/uploads/"
	indexPath      = "index.html"
	resetCSSPath   = "styles/reset.css"
	stylesCSSPath  = "styles/styles.css"
	scriptsPath    = "scripts/scripts.js"
	serverPath     = "server/server.js"
	companyInfoTxt = "company_info.txt"

	maxUploadNameLength = 50
)

// 所有条目使用固定修改时间，保证相同输入得到相同字节
var archiveModTime = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

var placeholderPattern = regexp.MustCompile(`\bimage_placeholder_(\d+)\.png\b`)

// cssUnsafe 样式参数中不允许出现的字符
var cssUnsafe = strings.NewReplacer("{", "", "}", "", ";", "", "<", "", ">", "", "\n", " ", "\r", " ")

const resetCSS = `/* reset */
*, *::before, *::after { box-sizing: border-box; }
* { margin: 0; padding: 0; }
html { -webkit-text-size-adjust: 100%; }
body { line-height: 1.6; -webkit-font-smoothing: antialiased; }
img, picture, video, canvas, svg { display: block; max-width: 100%; }
input, button, textarea, select { font: inherit; }
a { color: inherit; text-decoration: none; }
ul, ol { list-style: none; }
`

// ==================== 数据结构 ====================

// FrontendBundle 调用方提供的前端文件，原样写入
type FrontendBundle struct {
	HTML         string `json:"html"`
	CSS          string `json:"css"`
	JS           string `json:"js"`
	ServerScript string `json:"server_script"`
}

// CompanyInfo 公司信息
type CompanyInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Tel         string `json:"tel"`
	Hours       string `json:"hours"`
	Holidays    string `json:"holidays"`
	Address     string `json:"address"`
	Email       string `json:"email"`
	Website     string `json:"website"`
}

// Section 默认页面的内容区块，Body 为 Markdown
type Section struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// CSSOptions 生成样式参数
type CSSOptions struct {
	FontFamily      string `json:"font_family"`
	PrimaryColor    string `json:"primary_color"`
	BackgroundColor string `json:"background_color"`
}

// Attachment 调用方上传的图片
type Attachment struct {
	Filename string
	Data     []byte
}

// AssembleInput 归档输入
type AssembleInput struct {
	Images      []GeneratedImage
	Attachments []Attachment
	Frontend    FrontendBundle
	Company     CompanyInfo
	Sections    []Section
	CSS         CSSOptions
}

// ==================== 归档组装 ====================

// ArchiveAssembler 按固定布局在内存中生成 ZIP
// 纯函数，无 I/O；重复路径视为调用方错误
type ArchiveAssembler struct{}

// NewArchiveAssembler 创建归档组装器
func NewArchiveAssembler() *ArchiveAssembler {
	return &ArchiveAssembler{}
}

// Assemble 生成归档字节
func (a *ArchiveAssembler) Assemble(in AssembleInput) ([]byte, error) {
	imageNames := make([]string, 0, len(in.Images))
	for i, img := range in.Images {
		if !isPlainName(img.Name) {
			return nil, validationErrorf("images[%d] 文件名非法: %q", i, img.Name)
		}
		imageNames = append(imageNames, img.Name)
	}

	html := in.Frontend.HTML
	if strings.TrimSpace(html) == "" {
		page, err := renderDefaultPage(in.Company, in.Sections, imageNames)
		if err != nil {
			return nil, err
		}
		html = page
	}
	html = ReplacePlaceholders(html, imageNames)

	w := newArchiveWriter()

	for _, img := range in.Images {
		if err := w.add(imagesDir+img.Name, img.Data); err != nil {
			return nil, err
		}
	}
	for i, name := range uploadNames(in.Attachments) {
		if err := w.add(uploadsDir+name, in.Attachments[i].Data); err != nil {
			return nil, err
		}
	}

	entries := []textEntry{
		{indexPath, html},
		{resetCSSPath, resetCSS},
		{stylesCSSPath, buildStylesCSS(in.CSS, in.Frontend.CSS)},
		{scriptsPath, in.Frontend.JS},
	}
	if in.Frontend.ServerScript != "" {
		entries = append(entries, textEntry{serverPath, in.Frontend.ServerScript})
	}
	entries = append(entries, textEntry{companyInfoTxt, CompanyInfoText(in.Company)})

	for _, e := range entries {
		if err := w.add(e.path, []byte(e.data)); err != nil {
			return nil, err
		}
	}

	return w.close()
}

type textEntry struct {
	path string
	data string
}

// archiveWriter 记录已写入路径，拒绝重复条目
type archiveWriter struct {
	buf   bytes.Buffer
	zw    *zip.Writer
	paths map[string]bool
}

func newArchiveWriter() *archiveWriter {
	w := &archiveWriter{paths: make(map[string]bool)}
	w.zw = zip.NewWriter(&w.buf)
	return w
}

func (w *archiveWriter) add(name string, data []byte) error {
	if w.paths[name] {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, name)
	}
	w.paths[name] = true

	fw, err := w.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: archiveModTime,
	})
	if err != nil {
		return fmt.Errorf("写入归档条目 %s 失败: %w", name, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("写入归档条目 %s 失败: %w", name, err)
	}
	return nil
}

func (w *archiveWriter) close() ([]byte, error) {
	if err := w.zw.Close(); err != nil {
		return nil, fmt.Errorf("关闭归档失败: %w", err)
	}
	return w.buf.Bytes(), nil
}

// ==================== 占位符替换 ====================

// ReplacePlaceholders 将 image_placeholder_<n>.png 替换为第 n 张图片的归档路径
// 单次扫描，替换结果不会被再次匹配；没有对应图片的占位符保持原样
func ReplacePlaceholders(html string, imageNames []string) string {
	if len(imageNames) == 0 {
		return html
	}
	return placeholderPattern.ReplaceAllStringFunc(html, func(token string) string {
		m := placeholderPattern.FindStringSubmatch(token)
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(imageNames) {
			return token
		}
		return imagesDir + imageNames[n-1]
	})
}

// ==================== 文本生成 ====================

// CompanyInfoText 生成 company_info.txt 内容，空字段省略
func CompanyInfoText(info CompanyInfo) string {
	fields := []lo.Tuple2[string, string]{
		lo.T2("Company", info.Name),
		lo.T2("Description", info.Description),
		lo.T2("Tel", info.Tel),
		lo.T2("Hours", info.Hours),
		lo.T2("Holidays", info.Holidays),
		lo.T2("Address", info.Address),
		lo.T2("Email", info.Email),
		lo.T2("Website", info.Website),
	}

	var sb strings.Builder
	for _, f := range fields {
		value := strings.TrimSpace(f.B)
		if value == "" && f.A != "Company" {
			continue
		}
		sb.WriteString(f.A)
		sb.WriteString(": ")
		sb.WriteString(value)
		sb.WriteString("\n")
	}
	return sb.String()
}

// buildStylesCSS 生成基础样式，随后追加前端样式
func buildStylesCSS(opts CSSOptions, frontendCSS string) string {
	font := cssValue(opts.FontFamily, "sans-serif")
	primary := cssValue(opts.PrimaryColor, "#333333")
	background := cssValue(opts.BackgroundColor, "#ffffff")

	var sb strings.Builder
	fmt.Fprintf(&sb, "body {\n  font-family: %s;\n  color: %s;\n  background-color: %s;\n}\n", font, primary, background)
	fmt.Fprintf(&sb, "h1, h2, h3 {\n  color: %s;\n}\n", primary)
	if strings.TrimSpace(frontendCSS) != "" {
		sb.WriteString("\n")
		sb.WriteString(frontendCSS)
		if !strings.HasSuffix(frontendCSS, "\n") {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func cssValue(v, def string) string {
	v = strings.TrimSpace(cssUnsafe.Replace(v))
	if v == "" {
		return def
	}
	return v
}

// ==================== 默认页面 ====================

var defaultPageTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Company.Name}}</title>
<link rel="stylesheet" href="styles/reset.css">
<link rel="stylesheet" href="styles/styles.css">
</head>
<body>
<header>
<h1>{{.Company.Name}}</h1>
{{- with .Company.Description}}
<p class="description">{{.}}</p>
{{- end}}
</header>
<main>
{{- range .Sections}}
<section>
{{- with .Title}}
<h2>{{.}}</h2>
{{- end}}
{{.Body}}
</section>
{{- end}}
{{- if .Images}}
<section class="gallery">
{{- range .Images}}
<img src="assets/images/{{.}}" alt="">
{{- end}}
</section>
{{- end}}
</main>
<footer>
{{- with .Company.Address}}
<p>{{.}}</p>
{{- end}}
{{- with .Company.Tel}}
<p>Tel: {{.}}</p>
{{- end}}
{{- with .Company.Hours}}
<p>Hours: {{.}}</p>
{{- end}}
{{- with .Company.Email}}
<p><a href="mailto:{{.}}">{{.}}</a></p>
{{- end}}
</footer>
<script src="scripts/scripts.js"></script>
</body>
</html>
`))

type pageSection struct {
	Title string
	Body  template.HTML
}

func renderDefaultPage(company CompanyInfo, sections []Section, imageNames []string) (string, error) {
	data := struct {
		Company  CompanyInfo
		Sections []pageSection
		Images   []string
	}{
		Company: company,
		Sections: lo.Map(sections, func(s Section, _ int) pageSection {
			return pageSection{
				Title: s.Title,
				Body:  template.HTML(blackfriday.MarkdownCommon([]byte(s.Body))),
			}
		}),
		Images: imageNames,
	}

	var buf bytes.Buffer
	if err := defaultPageTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("渲染默认页面失败: %w", err)
	}
	return buf.String(), nil
}

// ==================== 辅助函数 ====================

// uploadNames 为附件分配规范化文件名，重名追加序号
func uploadNames(attachments []Attachment) []string {
	names := make([]string, len(attachments))
	used := make(map[string]bool, len(attachments))

	for i, att := range attachments {
		ext := strings.ToLower(path.Ext(att.Filename))
		stem := utils.NormalizeFilename(strings.TrimSuffix(att.Filename, path.Ext(att.Filename)), maxUploadNameLength)
		if stem == "" {
			stem = fmt.Sprintf("upload-%d", i+1)
		}
		if !allowedUploadExt[ext] {
			ext = utils.ImageExtension(utils.SniffImageType(att.Data))
		}

		name := stem + ext
		for n := 2; used[name]; n++ {
			name = fmt.Sprintf("%s-%d%s", stem, n, ext)
		}
		used[name] = true
		names[i] = name
	}
	return names
}

var allowedUploadExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true,
}

func isPlainName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
