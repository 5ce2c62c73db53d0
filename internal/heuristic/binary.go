// internal/heuristic/binary.go
package heuristic

import (
	"strings"

	"github.com/xkilldash9x/warden/internal/features"
)

// locationRules scores extension and placement anomalies.
func locationRules(in *input) []Finding {
	fs := in.fs
	var out []Finding

	if fs.Kind == features.KindDocument && documentCarriesLoader(in) {
		out = append(out, Finding{Delta: 10, Tag: "DocumentLoader", Name: "HEUR:Trojan.DocDropper.a"})
	}
	if fs.Kind != features.KindBinary {
		return out
	}

	if fs.Extension != "" && !standardComponentExtensions[fs.Extension] {
		out = append(out, Finding{Delta: 20, Tag: "OddExtension", Name: "HEUR:Trojan.Masquerade.a"})
	}
	// Deliberately a substring test over the whole path, not an extension test.
	for _, ext := range features.MediaExtensions {
		if strings.Contains(in.path, ext) {
			out = append(out, Finding{Delta: 20, Tag: "MediaDisguise", Name: "HEUR:Trojan.Masquerade.b"})
			break
		}
	}
	if fs.Hidden && fs.Extension == ".exe" && (strings.Contains(in.path, `\startup\`) || strings.Contains(in.path, "/startup/")) {
		out = append(out, Finding{Delta: 20, Tag: "HiddenStartup", Name: "HEUR:Trojan.Startup.a"})
	}
	return out
}

func documentCarriesLoader(in *input) bool {
	if in.containsExact(peLoaderStrings...) {
		return true
	}
	return in.containsExact(cjkMarkers...) && !in.containsExact(officeMarkers...)
}

// signatureRule adjusts for the signing chain. Thumbprint trust outranks chain validity.
func signatureRule(in *input) []Finding {
	s := in.fs.Signing
	if !s.Present {
		return nil
	}
	for _, tp := range s.Thumbprints {
		if trustedRoots[strings.ToUpper(tp)] {
			return []Finding{{Delta: -60, Tag: "TrustedSigner"}}
		}
	}
	switch {
	case s.LeafExpired:
		return []Finding{{Delta: 10, Tag: "ExpiredCert", Name: "HEUR:Suspicious.ExpiredCert.a"}}
	case s.Revoked:
		return []Finding{{Delta: 5, Tag: "RevokedCert", Name: "HEUR:Suspicious.RevokedCert.a"}}
	case s.ChainBuilt:
		return []Finding{{Delta: -5, Tag: "ValidSigner"}}
	}
	return nil
}

var structuralChecks = []check{resourceCheck, antiAnalysisDensity, packerCheck}

func resourceCheck(in *input) []Finding {
	fs := in.fs
	rsrc, ok := fs.Section(".rsrc")
	switch {
	case !ok:
		return []Finding{{Delta: 10, Tag: "NoResources"}}
	case rsrc.RawSize < 1024:
		return []Finding{{Delta: 5, Tag: "TinyResources"}}
	case fs.FileSize > 1<<20 && int64(rsrc.RawSize)*2 > fs.FileSize:
		return []Finding{{Delta: 15, Tag: "ResourcePayload"}}
	}
	return nil
}

func antiAnalysisDensity(in *input) []Finding {
	hits := 0
	for _, api := range antiAnalysisImports {
		if _, ok := in.imports[strings.ToLower(api)]; ok {
			hits++
		}
	}
	if hits == 0 {
		return nil
	}
	return []Finding{{Delta: min(hits*3, 15), Tag: "AntiAnalysis"}}
}

func packerCheck(in *input) []Finding {
	fs := in.fs
	packed := in.containsExact(packerStrings...)
	for _, name := range packerSections {
		if fs.HasSection(name) {
			packed = true
			break
		}
	}
	if !packed && fs.FileSize > 0 && fs.EntryPointFileOffset >= 0 {
		packed = fs.EntryPointFileOffset*10 > fs.FileSize*8
	}
	if !packed {
		return nil
	}
	return []Finding{{Delta: 10, Tag: "Packed", Name: "HEUR:Packed.Generic.a"}}
}

// libraryRules flags camouflaged or hook-carrying DLLs.
func libraryRules(in *input) []Finding {
	fs := in.fs
	if !fs.IsLibrary {
		return nil
	}
	if len(fs.ExportedSymbols) == 0 {
		return []Finding{{Delta: 5, Tag: "NoExports", Name: "HEUR:Trojan.Camouflage.a"}}
	}
	lower := strings.ToLower(strings.Join(fs.ExportedSymbols, "\x00"))
	if containsAny(lower, hookExportWords) && !containsAny(lower, browserExportWords) {
		return []Finding{{Delta: 20, Tag: "HookExports", Name: "HEUR:Trojan.HookDll.a"}}
	}
	return nil
}

func runtimeRule(in *input) []Finding {
	switch {
	case in.fs.IsDriver:
		return []Finding{{Delta: 5, Tag: "Driver", Name: "HEUR:Rootkit.Driver.a"}}
	case in.fs.IsManaged:
		return []Finding{{Delta: 5, Tag: "Managed", Name: "HEUR:Suspicious.DotNet.a"}}
	}
	return nil
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// importRules is the ordered import-table cascade.
func importRules(in *input) []Finding {
	var out []Finding
	add := func(delta int, tag, name string) {
		out = append(out, Finding{Delta: delta, Tag: tag, Name: name})
	}
	n := in.importCount()

	if in.imported("GetOpenFileName", "GetSaveFileName", "ChooseColor", "PrintDlg") {
		add(-20, "FileDialog", "")
	}

	switch {
	case in.imported("LoadLibrary") && in.imported("GetProcAddress"):
		add(15, "DynamicLoad", "HEUR:API.DynamicLoad.a")
	case in.imported("LoadLibrary"):
		add(10, "DynamicLoad", "HEUR:API.DynamicLoad.b")
	}

	if in.imported("SetFileAttributes") {
		add(20, "HideFile", "HEUR:API.HideFile.a")
	}
	if in.imported("FormatEx", "SHFormatDrive") {
		add(20, "DiskFormat", "HEUR:API.DiskFormat.a")
	}
	if in.imported("AdjustTokenPrivileges", "RtlAdjustPrivilege") {
		add(20, "Privilege", "HEUR:API.Privilege.a")
	}
	if in.imported("RtlSetProcessIsCritical", "NtSetInformationProcess", "ZwSetInformationProcess") {
		add(20, "HideProcess", "HEUR:API.HideProcess.a")
	}
	if in.imported("WriteFile", "DeviceIoControl") && in.contains(`\\.\physicaldrive`, "physicaldrive0", "master boot record") {
		add(5, "MBRWrite", "HEUR:Trojan.MBRWriter.a")
	}
	if in.importedAll("CreateService", "StartService") {
		add(15, "Service", "HEUR:API.Service.a")
	}
	if in.imported("CoCreateInstance", "CoGetObject") && in.contains("wscript.shell", "shell.application", "scripting.filesystemobject") {
		add(15, "ScriptObject", "HEUR:API.ScriptObject.a")
	}
	if in.imported("URLDownloadToFile", "InternetOpenUrl", "InternetReadFile") &&
		in.imported("WinExec") &&
		in.imported("RegCreateKey", "RegSetValue") &&
		in.contains(`currentversion\run`) {
		add(20, "Downloader", "HEUR:Trojan.Downloader.a")
		if in.importedAll("CopyFile", "GetModuleFileName") {
			add(5, "SelfCopy", "")
		}
	}

	switch {
	case in.imported("SetWindowsHookEx"):
		add(20, "Hook", "HEUR:API.Hook.a")
	case in.importsContaining("hook"):
		add(10, "Hook", "HEUR:API.Hook.b")
	}

	if in.imported("VirtualProtect", "VirtualAllocEx", "WriteProcessMemory", "NtProtectVirtualMemory") {
		delta := 15 + 5
		if n > 50 {
			delta = 15 - 5
		}
		add(delta, "MemoryProtect", "HEUR:API.Memory.a")
	}
	if in.imported("CreateRemoteThread", "NtCreateThreadEx", "RtlCreateUserThread") {
		add(10, "RemoteThread", "HEUR:API.Inject.a")
	}
	if in.imported("WSAStartup", "socket", "connect", "InternetOpen", "HttpSendRequest", "WinHttpOpen", "URLDownloadToFile") {
		add(5, "Network", "HEUR:API.Network.a")
	}
	if in.imported("RegSetValue", "RegCreateKey") {
		add(5, "RegistryWrite", "HEUR:API.Registry.a")
	}

	if n <= 50 {
		add(5, "FewImports", "HEUR:Suspicious.FewImports.a")
	} else {
		add(-5, "ManyImports", "")
	}
	return out
}

func (in *input) importsContaining(word string) bool {
	for sym := range in.imports {
		if strings.Contains(sym, word) {
			return true
		}
	}
	return false
}

var deepChecks = []check{
	deepDriverMention,
	deepVirtualKeyword,
	deepPackerFamily,
	deepAVKiller,
	deepUACBypass,
	deepSandboxAware,
}

func deepDriverMention(in *input) []Finding {
	if in.contains(".sys") {
		return []Finding{{Delta: 10, Tag: "DriverMention", Name: "HEUR:Rootkit.DriverDrop.a"}}
	}
	return nil
}

func deepVirtualKeyword(in *input) []Finding {
	if in.containsExact("Virtual") {
		return []Finding{{Delta: 10, Tag: "VirtualKeyword", Name: "HEUR:Suspicious.Virtual.a"}}
	}
	return nil
}

func deepPackerFamily(in *input) []Finding {
	if in.contains("themida") {
		return []Finding{{Delta: 15, Tag: "Themida", Name: "HEUR:Packed.Themida.a"}}
	}
	return nil
}

func deepAVKiller(in *input) []Finding {
	if in.contains(securityProcesses...) {
		return []Finding{{Delta: 20, Tag: "AVKiller", Name: "HEUR:Trojan.AVKiller.a"}}
	}
	return nil
}

func deepUACBypass(in *input) []Finding {
	if in.contains(uacBypassStrings...) {
		return []Finding{{Delta: 20, Tag: "UACBypass", Name: "HEUR:Exploit.UACBypass.a"}}
	}
	return nil
}

func deepSandboxAware(in *input) []Finding {
	if in.contains(sandboxStrings...) {
		return []Finding{{Delta: 15, Tag: "AntiVM", Name: "HEUR:Trojan.AntiVM.a"}}
	}
	return nil
}
