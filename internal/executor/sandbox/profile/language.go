// Package profile defines language profiles used to build execution plans.
package profile

// LanguageSpec defines how to materialize, compile and run a language.
// Command templates accept {src} and {bin} placeholders.
type LanguageSpec struct {
	ID               string   `yaml:"id" json:"id"`
	Name             string   `yaml:"name" json:"name"`
	Aliases          []string `yaml:"aliases" json:"aliases,omitempty"`
	SourceFile       string   `yaml:"sourceFile" json:"sourceFile"`
	BinaryFile       string   `yaml:"binaryFile" json:"-"`
	CompileCmdTpl    string   `yaml:"compileCmd" json:"-"`
	RunCmdTpl        string   `yaml:"runCmd" json:"-"`
	Env              []string `yaml:"env" json:"-"`
	TimeMultiplier   float64  `yaml:"timeMultiplier" json:"-"`
	MemoryMultiplier float64  `yaml:"memoryMultiplier" json:"-"`
}

// CompileEnabled reports whether the language has a compile step.
func (l LanguageSpec) CompileEnabled() bool {
	return l.CompileCmdTpl != ""
}

// Defaults returns the built-in language table.
func Defaults() []LanguageSpec {
	return []LanguageSpec{
		{
			ID:            "cpp",
			Name:          "C++",
			Aliases:       []string{"c++", "cxx"},
			SourceFile:    "main.cpp",
			BinaryFile:    "main",
			CompileCmdTpl: "g++ -O2 -pipe {src} -o {bin}",
			RunCmdTpl:     "./{bin}",
		},
		{
			ID:            "c",
			Name:          "C",
			SourceFile:    "main.c",
			BinaryFile:    "main",
			CompileCmdTpl: "gcc -O2 -pipe {src} -o {bin}",
			RunCmdTpl:     "./{bin}",
		},
		{
			ID:               "java",
			Name:             "Java",
			SourceFile:       "Main.java",
			BinaryFile:       "Main",
			CompileCmdTpl:    "javac -J-XX:+UseSerialGC -J-XX:-UsePerfData -encoding UTF-8 {src}",
			RunCmdTpl:        "java -XX:-UsePerfData -XX:+UseSerialGC -cp . {bin}",
			TimeMultiplier:   1.0,
			MemoryMultiplier: 1.0,
		},
		{
			ID:         "python",
			Name:       "Python 3",
			Aliases:    []string{"py", "python3"},
			SourceFile: "script.py",
			RunCmdTpl:  "python3 {src}",
			Env:        []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"},
		},
		{
			ID:         "javascript",
			Name:       "JavaScript (Node.js)",
			Aliases:    []string{"js", "node"},
			SourceFile: "script.js",
			RunCmdTpl:  "node {src}",
		},
	}
}

// Merge overlays configured languages on top of base, matching by ID.
func Merge(base, overrides []LanguageSpec) []LanguageSpec {
	out := make([]LanguageSpec, 0, len(base)+len(overrides))
	index := make(map[string]int, len(base))
	for _, lang := range base {
		index[lang.ID] = len(out)
		out = append(out, lang)
	}
	for _, lang := range overrides {
		if lang.ID == "" {
			continue
		}
		if i, ok := index[lang.ID]; ok {
			out[i] = lang
			continue
		}
		index[lang.ID] = len(out)
		out = append(out, lang)
	}
	return out
}
