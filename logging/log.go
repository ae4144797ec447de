package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

// LogLevel sets how chatty the node is.  Everything at or below the
// current level gets written.
type LogLevel int

const (
	LogLevelError   LogLevel = 0
	LogLevelWarning LogLevel = 1
	LogLevelInfo    LogLevel = 2
	LogLevelDebug   LogLevel = 3
)

var logLevel = LogLevelInfo

func SetLogLevel(newLevel int) {
	logLevel = LogLevel(newLevel)
}

// SetLogFile mirrors all log output to the given file as well as stdout.
func SetLogFile(logFile io.Writer) {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
}

// SetLogFileOnly writes log output only to the given file.
func SetLogFileOnly(logFile io.Writer) {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.SetOutput(logFile)
}

func prefix(level string) string {
	return fmt.Sprintf("[%s]", level)
}

func Fatal(args ...interface{}) {
	log.Fatal(args...)
}

func Fatalf(format string, args ...interface{}) {
	log.Fatalf(format, args...)
}

func Debugf(format string, args ...interface{}) {
	if logLevel >= LogLevelDebug {
		log.Printf(prefix("DEBUG")+" "+format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if logLevel >= LogLevelInfo {
		log.Printf(prefix("INFO")+" "+format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if logLevel >= LogLevelWarning {
		log.Printf(prefix("WARN")+" "+format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if logLevel >= LogLevelError {
		log.Printf(prefix("ERROR")+" "+format, args...)
	}
}

func Debugln(args ...interface{}) {
	if logLevel >= LogLevelDebug {
		log.Println(append([]interface{}{prefix("DEBUG")}, args...)...)
	}
}

func Infoln(args ...interface{}) {
	if logLevel >= LogLevelInfo {
		log.Println(append([]interface{}{prefix("INFO")}, args...)...)
	}
}

func Warnln(args ...interface{}) {
	if logLevel >= LogLevelWarning {
		log.Println(append([]interface{}{prefix("WARN")}, args...)...)
	}
}

func Errorln(args ...interface{}) {
	if logLevel >= LogLevelError {
		log.Println(append([]interface{}{prefix("ERROR")}, args...)...)
	}
}

// SetupTestLogs turns on full debug output for tests.
func SetupTestLogs() {
	logLevel = LogLevelDebug
}
