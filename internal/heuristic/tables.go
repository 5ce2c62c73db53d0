// internal/heuristic/tables.go
package heuristic

import (
	"regexp"
	"strings"
)

// systemDirMarker short-circuits binary scoring to a clean verdict. Any path
// containing it qualifies, including paths that merely imitate the system tree.
const systemDirMarker = `:\windows`

// trustedRoots are SHA-1 thumbprints of code-signing roots whose chains earn
// the trusted-publisher discount.
var trustedRoots = map[string]bool{
	"CDD4EEAE6000AC7F40C3802C171E30148030C072": true, // Microsoft Root Certificate Authority
	"A43489159A520F0D93D032CCAF37E7FE20A8B419": true, // Microsoft Root Authority
	"3B1EFD3A66EA28B16697394703A72CA340A05BD5": true, // Microsoft Root Certificate Authority 2010
	"8F43288AD272F3103B6FB1428485EA3014C0BCFE": true, // Microsoft Root Certificate Authority 2011
	"0563B8630D62D75ABBC8AB1E4BDFB5A899B24D43": true, // DigiCert Assured ID Root CA
	"A8985D3A65E5E5C4B2D7D66D40C6DD2FB19C5436": true, // DigiCert Global Root CA
	"DDFB16CD4931C973A2037D3FC83A4D7D775D05E4": true, // DigiCert Trusted Root G4
	"4EB6D578499B1CCF5F581EAD56BE3D9B6744A5E5": true, // VeriSign Class 3 Public Primary CA - G5
	"B1BC968BD4F49D622AA89A81F2150152A41D829C": true, // GlobalSign Root CA
	"2B8F1B57330DBBA2D07A6C51F70EE90DDAB9AD8E": true, // USERTrust RSA Certification Authority
}

// standardComponentExtensions are the extensions a PE image normally carries.
var standardComponentExtensions = map[string]bool{
	".exe": true, ".dll": true, ".sys": true, ".ocx": true, ".scr": true,
	".cpl": true, ".drv": true, ".com": true, ".efi": true, ".mui": true,
	".ax": true, ".tlb": true, ".winmd": true, ".node": true, ".pyd": true,
	".tmp": true,
}

var peLoaderStrings = []string{"LoadLibraryA", "kernel32.dll", "GetProcAddress"}

// cjkMarkers are UTF-8 encodings of "trojan", "virus", "privilege escalation"
// and "backdoor" seen in droppers disguised as documents.
var cjkMarkers = []string{
	"\xe6\x9c\xa8\xe9\xa9\xac",
	"\xe7\x97\x85\xe6\xaf\x92",
	"\xe6\x8f\x90\xe6\x9d\x83",
	"\xe5\x90\x8e\xe9\x97\xa8",
}

var officeMarkers = []string{"Microsoft Office", "[Content_Types].xml", "word/document.xml", "xl/workbook.xml", "ppt/presentation.xml", "\xd0\xcf\x11\xe0"}

// packerSections are section names left behind by common packers and protectors.
var packerSections = []string{
	"UPX0", "UPX1", "UPX2", ".aspack", ".adata", ".themida", ".winlice", ".MPRESS1", ".MPRESS2",
	"PEC2", "pec1", "pec2", ".vmp0", ".vmp1", ".vmp2", ".enigma1", ".enigma2", ".petite", ".nsp0", ".nsp1",
}

var packerStrings = []string{"UPX!", "ASPack", "PECompact2", "MPRESS", "VMProtect"}

// antiAnalysisImports feed the import density check.
var antiAnalysisImports = []string{
	"IsDebuggerPresent", "CheckRemoteDebuggerPresent", "NtQueryInformationProcess", "OutputDebugString",
	"SetUnhandledExceptionFilter", "AddVectoredExceptionHandler", "RtlAddVectoredExceptionHandler",
	"VirtualProtect", "VirtualProtectEx", "VirtualAlloc", "VirtualAllocEx", "NtProtectVirtualMemory",
	"ZwSetInformationThread", "NtSetInformationThread", "GetTickCount", "QueryPerformanceCounter",
}

var hookExportWords = []string{"hook", "virus", "bypass", "inject", "keylog", "payload"}

var browserExportWords = []string{"chrome", "firefox", "gecko", "webkit", "blink", "mshtml", "jscript", "vbscript", "v8", "cef"}

// securityProcesses are endpoint security process names referenced by AV killers.
var securityProcesses = []string{
	"msmpeng.exe", "msseces.exe", "mpcmdrun.exe", "nissrv.exe", "avp.exe", "avpui.exe",
	"ekrn.exe", "egui.exe", "avgnt.exe", "avguard.exe", "avastsvc.exe", "avastui.exe",
	"bdagent.exe", "vsserv.exe", "mcshield.exe", "mfemms.exe", "ccsvchst.exe", "nortonsecurity.exe",
	"savservice.exe", "sophosui.exe", "kavtray.exe", "360tray.exe", "zhudongfangyu.exe", "qqpcrtp.exe",
}

var uacBypassStrings = []string{
	`ms-settings\shell\open\command`, `mscfile\shell\open\command`, "fodhelper.exe", "eventvwr.exe",
	"computerdefaults.exe", "sdclt.exe", "delegateexecute",
}

var sandboxStrings = []string{
	"vmware", "virtualbox", "vboxservice", "vboxtray", "vmtoolsd", "sbiedll.dll", "qemu",
	"xenservice", "wine_get_unix_file_name", "sandboxie", "cuckoo",
}

type family struct {
	word     *regexp.Regexp
	minCount int
	name     string
}

// newFamily matches needle as a whole word, so "conti" does not fire on
// "continue" nor "maze" on "amazement".
func newFamily(needle string, minCount int, name string) family {
	return family{
		word:     regexp.MustCompile(`\b` + regexp.QuoteMeta(strings.ToLower(needle)) + `\b`),
		minCount: minCount,
		name:     name,
	}
}

// knownFamilies is searched in order, case-insensitively. Short or common words
// require two occurrences.
var knownFamilies = []family{
	newFamily("wannacry", 1, "HEUR:Ransom.WannaCry.a"),
	newFamily("wanacrypt0r", 1, "HEUR:Ransom.WannaCry.a"),
	newFamily("notpetya", 1, "HEUR:Ransom.NotPetya.a"),
	newFamily("petya", 2, "HEUR:Ransom.Petya.a"),
	newFamily("cryptolocker", 1, "HEUR:Ransom.CryptoLocker.a"),
	newFamily("gandcrab", 1, "HEUR:Ransom.GandCrab.a"),
	newFamily("sodinokibi", 1, "HEUR:Ransom.Sodinokibi.a"),
	newFamily("revil", 2, "HEUR:Ransom.Sodinokibi.a"),
	newFamily("lockbit", 1, "HEUR:Ransom.LockBit.a"),
	newFamily("locky", 2, "HEUR:Ransom.Locky.a"),
	newFamily("cerber", 2, "HEUR:Ransom.Cerber.a"),
	newFamily("ryuk", 2, "HEUR:Ransom.Ryuk.a"),
	newFamily("conti", 2, "HEUR:Ransom.Conti.a"),
	newFamily("maze", 2, "HEUR:Ransom.Maze.a"),
	newFamily("conficker", 1, "HEUR:Worm.Conficker.a"),
	newFamily("mirai", 2, "HEUR:Backdoor.Mirai.a"),
	newFamily("emotet", 1, "HEUR:Trojan.Emotet.a"),
	newFamily("trickbot", 1, "HEUR:Trojan.TrickBot.a"),
	newFamily("zeus", 2, "HEUR:Trojan.Zbot.a"),
	newFamily("njrat", 1, "HEUR:Backdoor.NjRat.a"),
	newFamily("darkcomet", 1, "HEUR:Backdoor.DarkComet.a"),
}
