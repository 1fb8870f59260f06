package gate

// intentSchema is the structural contract every intent packet must satisfy
// before the gate looks at anything else.
const intentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "intent_statement",
    "scope",
    "success_criteria",
    "ttl_expires_at",
    "author",
    "authority",
    "intent_hash"
  ],
  "properties": {
    "intent_statement": {"type": "string", "minLength": 1},
    "scope": {"type": "string", "minLength": 1},
    "success_criteria": {"type": "string", "minLength": 1},
    "ttl_expires_at": {"type": "string", "format": "date-time"},
    "author": {
      "type": "object",
      "required": ["id"],
      "properties": {"id": {"type": "string", "minLength": 1}}
    },
    "authority": {
      "type": "object",
      "required": ["id"],
      "properties": {"id": {"type": "string", "minLength": 1}}
    },
    "intent_hash": {"type": "string", "minLength": 1}
  }
}`
