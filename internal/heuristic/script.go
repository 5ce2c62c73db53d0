// internal/heuristic/script.go
package heuristic

import (
	"regexp"

	"github.com/xkilldash9x/warden/internal/features"
)

// keywordRule fires when the content holds any needle (or all needles when
// all is set) at least min times in total.
type keywordRule struct {
	needles []string
	all     bool
	min     int
	delta   int
	tag     string
	name    string
}

func (r keywordRule) match(in *input) bool {
	if r.all {
		for _, n := range r.needles {
			if !in.contains(n) {
				return false
			}
		}
		return true
	}
	if r.min <= 1 {
		return in.contains(r.needles...)
	}
	total := 0
	for _, n := range r.needles {
		total += in.count(n)
	}
	return total >= r.min
}

func applyRules(in *input, rules []keywordRule) []Finding {
	var out []Finding
	for _, r := range rules {
		if r.match(in) {
			out = append(out, Finding{Delta: r.delta, Tag: r.tag, Name: r.name})
		}
	}
	return out
}

var base64Run = regexp.MustCompile(`[A-Za-z0-9+/]{200,}={0,2}`)

var genericRules = []keywordRule{
	{needles: []string{"eval(", "invoke-expression", "iex(", "iex ", "executeglobal", "execute(", "exec("}, delta: 20, tag: "DynamicExec", name: "HEUR:Script.DynamicExec.a"},
	{needles: []string{"downloadstring", "downloadfile", "invoke-webrequest", "urldownloadtofile", "msxml2.xmlhttp", "winhttp.winhttprequest", "urllib.request", "bitsadmin", "wget ", "curl "}, delta: 25, tag: "Download", name: "HEUR:Script.Downloader.a"},
	{needles: []string{"net.sockets", "tcpclient", "socket(", "net.webclient", "http://", "https://"}, delta: 10, tag: "Network", name: "HEUR:Script.Network.a"},
	{needles: []string{"remove-item", "del /f", "deletefile", "scripting.filesystemobject", "os.remove", "shutil.rmtree", "rm -rf"}, delta: 10, tag: "FileOps", name: "HEUR:Script.FileOps.a"},
	{needles: []string{`hkcu\`, `hklm\`, "hkey_current_user", "hkey_local_machine", "reg add", "regwrite", "set-itemproperty", "new-itemproperty", "winreg"}, delta: 15, tag: "Registry", name: "HEUR:Script.Registry.a"},
	{needles: []string{"start-process", "wscript.shell", "shell.application", "shellexecute", "subprocess", "os.system", "taskkill", "stop-process"}, delta: 15, tag: "Process", name: "HEUR:Script.Process.a"},
	{needles: []string{`currentversion\run`, "schtasks", "new-scheduledtask", "register-scheduledjob", `\start menu\programs\startup`, "crontab", "/etc/rc.local", "systemctl enable"}, delta: 30, tag: "Persistence", name: "HEUR:Script.Persistence.a"},
	{needles: []string{"msgbox", "alert(", ".popup(", "blockinput", "sendkeys", "[console]::beep", "copyfromscreen", "screenshot", "soundplayer", "mcisendstring"}, delta: 10, tag: "Effects", name: "HEUR:Script.Prank.a"},
}

var (
	selfReferences = []string{"wscript.scriptfullname", "$myinvocation.mycommand", "%~f0", "__file__", "document.location", "$psscriptroot"}
	copyVerbs      = []string{"copyfile", "copy-item", "copy ", "shutil.copy", "cp ", ".copy("}
)

var languageTables = map[features.ScriptFamily][]keywordRule{
	features.FamilyPowerShell: {
		{needles: []string{"-windowstyle hidden", "-w hidden"}, delta: 15, tag: "PS.Hidden", name: "HEUR:Script.PowerShell.Hidden.a"},
		{needles: []string{"-executionpolicy bypass", "-ep bypass", "-exec bypass"}, delta: 15, tag: "PS.Bypass", name: "HEUR:Script.PowerShell.Bypass.a"},
		{needles: []string{"-encodedcommand", "-enc "}, delta: 15, tag: "PS.Encoded", name: "HEUR:Script.PowerShell.Encoded.a"},
		{needles: []string{"set-mppreference", "add-mppreference"}, delta: 25, tag: "PS.DefenderTamper", name: "HEUR:Script.PowerShell.Tamper.a"},
		{needles: []string{"[system.reflection.assembly]::load", "[reflection.assembly]::load"}, delta: 20, tag: "PS.Reflective", name: "HEUR:Script.PowerShell.Reflective.a"},
		{needles: []string{"-nop", "-noprofile"}, delta: 5, tag: "PS.NoProfile"},
	},
	features.FamilyVBScript: {
		{needles: []string{"chr("}, min: 10, delta: 10, tag: "VBS.CharObfuscation", name: "HEUR:Script.VBS.Obfuscated.a"},
		{needles: []string{"adodb.stream"}, delta: 15, tag: "VBS.Stream", name: "HEUR:Script.VBS.Dropper.a"},
		{needles: []string{"wscript.sleep"}, delta: 5, tag: "VBS.Sleep"},
		{needles: []string{"on error resume next"}, delta: 5, tag: "VBS.SwallowErrors"},
	},
	features.FamilyJavaScript: {
		{needles: []string{"activexobject"}, delta: 15, tag: "JS.ActiveX", name: "HEUR:Script.JS.ActiveX.a"},
		{needles: []string{"wscript.createobject"}, delta: 15, tag: "JS.WSH", name: "HEUR:Script.JS.WSH.a"},
		{needles: []string{"string.fromcharcode"}, delta: 10, tag: "JS.CharObfuscation", name: "HEUR:Script.JS.Obfuscated.a"},
		{needles: []string{"unescape("}, delta: 10, tag: "JS.Unescape"},
	},
	features.FamilyBatch: {
		{needles: []string{"vssadmin delete shadows", "wmic shadowcopy delete"}, delta: 30, tag: "BAT.ShadowDelete", name: "HEUR:Script.BAT.Ransom.a"},
		{needles: []string{"bcdedit"}, delta: 20, tag: "BAT.BootConfig", name: "HEUR:Script.BAT.BootTamper.a"},
		{needles: []string{"netsh advfirewall set", "netsh firewall set"}, delta: 20, tag: "BAT.Firewall", name: "HEUR:Script.BAT.Firewall.a"},
		{needles: []string{"net user ", "/add"}, all: true, delta: 20, tag: "BAT.AddUser", name: "HEUR:Script.BAT.AddUser.a"},
		{needles: []string{"attrib +h", "attrib +s +h"}, delta: 15, tag: "BAT.Hide", name: "HEUR:Script.BAT.Hide.a"},
	},
	features.FamilyPython: {
		{needles: []string{"ctypes.windll"}, delta: 15, tag: "PY.Ctypes", name: "HEUR:Script.PY.Native.a"},
		{needles: []string{"pynput", "keyboard.on_press"}, delta: 20, tag: "PY.Keylogger", name: "HEUR:Script.PY.Keylogger.a"},
		{needles: []string{"marshal.loads"}, delta: 15, tag: "PY.Marshal", name: "HEUR:Script.PY.Obfuscated.a"},
		{needles: []string{"exec(base64", "exec(zlib"}, delta: 20, tag: "PY.PackedExec", name: "HEUR:Script.PY.Packed.a"},
	},
	features.FamilyShell: {
		{needles: []string{"/dev/tcp/", "nc -e", "ncat -e", "bash -i >&"}, delta: 25, tag: "SH.ReverseShell", name: "HEUR:Script.SH.ReverseShell.a"},
		{needles: []string{"| sh", "| bash", "|sh", "|bash"}, delta: 20, tag: "SH.PipeExec", name: "HEUR:Script.SH.PipeExec.a"},
		{needles: []string{"base64 -d", "base64 --decode"}, delta: 15, tag: "SH.Base64", name: "HEUR:Script.SH.Obfuscated.a"},
		{needles: []string{"history -c", "unset histfile"}, delta: 15, tag: "SH.AntiForensics", name: "HEUR:Script.SH.AntiForensics.a"},
		{needles: []string{"chmod +x", "chmod 777"}, delta: 5, tag: "SH.Chmod"},
	},
}

// genericScriptRules holds indicators shared by every script language.
func genericScriptRules(in *input) []Finding {
	out := applyRules(in, genericRules[:1])
	if base64Run.Match(in.fs.Raw) || in.contains("frombase64string", "base64_decode", "atob(", "b64decode") {
		out = append(out, Finding{Delta: 15, Tag: "Base64", Name: "HEUR:Script.Obfuscated.a"})
	}
	out = append(out, applyRules(in, genericRules[1:])...)
	if in.contains(selfReferences...) && in.contains(copyVerbs...) {
		out = append(out, Finding{Delta: 30, Tag: "SelfReplicate", Name: "HEUR:Script.Worm.a"})
	}
	return out
}

func languageRules(in *input) []Finding {
	switch in.fs.Script {
	case features.FamilyHost:
		// HTA and WSF bodies embed VBScript or JScript.
		return append(applyRules(in, languageTables[features.FamilyVBScript]), applyRules(in, languageTables[features.FamilyJavaScript])...)
	default:
		return applyRules(in, languageTables[in.fs.Script])
	}
}

func shortcutRules(in *input) []Finding {
	if in.contains("cmd.exe", "powershell", "mshta", "wscript", "cscript", "rundll32") {
		return []Finding{{Delta: 20, Tag: "LnkLauncher", Name: "HEUR:Trojan.LnkLauncher.a"}}
	}
	return nil
}
