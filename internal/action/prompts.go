package action

// User-facing fixed messages.
const (
	msgNoData          = "분석할 데이터가 없습니다. 먼저 데이터를 조회한 뒤 분석을 요청해 주세요."
	msgQueryGenFailed  = "질문에 맞는 쿼리를 생성하지 못했습니다. 질문을 조금 더 구체적으로 작성해 주세요."
	msgQueryExecFailed = "쿼리 실행에 실패했습니다."
	msgAnalysisFailed  = "데이터 분석 결과를 생성하지 못했습니다."
	msgMetadataFailed  = "메타데이터 정보를 가져오지 못했습니다."
	msgGuideFailed     = "사용 안내를 생성하지 못했습니다."
	msgOutOfScope      = "죄송합니다. 이 서비스는 이벤트 데이터 조회와 분석에 관한 질문만 도와드릴 수 있습니다."
	msgInternal        = "요청을 처리하는 중 내부 오류가 발생했습니다."
)

const queryGenerationPrompt = `You write BigQuery Standard SQL for an event analytics warehouse.
Return exactly one SELECT statement inside a single sql code block and nothing else.
Never modify data. Always include LIMIT %d or lower.
Use only the tables and columns below.

%s`

const analysisPrompt = `You are a data analyst. The user message is a JSON envelope with the question,
the earlier conversation, the query that produced the data and the result rows (possibly truncated).
Answer the question using only those rows. Do not invent numbers. If the rows are truncated, say so.
Answer in the language of the question.`

const metadataPrompt = `You explain the structure of an event analytics warehouse.
Describe the relevant tables and columns for the user's question using only the metadata below.
Answer in the language of the question.

%s`

const guidePrompt = `You are the help system of a chat assistant for an event analytics warehouse.
The assistant can: run ad-hoc data queries written in natural language, analyse the most recent
query result, and describe available tables and columns. Explain how to use it with short, concrete
example questions. Answer in the language of the question.
%s`

const outOfScopePrompt = `You are a data assistant for an event analytics warehouse. The user's message is
outside what you can help with. Politely say so in one or two sentences in the language of the message
and suggest asking about the event data instead.`
